package analytics

import (
	"sync"
	"time"

	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/util"
	"go.uber.org/zap"
)

type AttemptRecord struct {
	ExecutionId string           `json:"executionId"`
	WorkflowId  string           `json:"workflowId"`
	Action      string           `json:"action"`
	ActionType  model.ActionType `json:"actionType"`
	Target      string           `json:"target,omitempty"`
	Attempt     int              `json:"attempt"`
	Success     bool             `json:"success"`
	ErrorKind   model.ErrorKind  `json:"errorKind,omitempty"`
	Error       string           `json:"error,omitempty"`
	LatencyMs   int64            `json:"latencyMs"`
	Cost        float64          `json:"cost,omitempty"`
	Fallback    bool             `json:"fallback,omitempty"`
	Time        time.Time        `json:"time"`
}

type ExecutionRecord struct {
	ExecutionId     string                `json:"executionId"`
	WorkflowId      string                `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status          model.ExecutionStatus `json:"status"`
	Severity        model.Severity        `json:"severity,omitempty"`
	Cancelled       bool                  `json:"cancelled,omitempty"`
	DurationMs      int64                 `json:"durationMs"`
	Time            time.Time             `json:"time"`
}

// Recorder is what the engine and executor report to. Implementations never
// block the caller and never fail it.
type Recorder interface {
	RecordAttempt(r AttemptRecord)
	RecordExecution(r ExecutionRecord)
}

type Sink interface {
	Name() string
	WriteAttempt(r AttemptRecord) error
	WriteExecution(r ExecutionRecord) error
}

type NopRecorder struct{}

func (NopRecorder) RecordAttempt(AttemptRecord)     {}
func (NopRecorder) RecordExecution(ExecutionRecord) {}

type envelope struct {
	attempt   *AttemptRecord
	execution *ExecutionRecord
	// sink is the only sink left to write to, nil means every sink
	sink  Sink
	tries int
}

type CollectorConfig struct {
	Buffer        int
	RetryInterval time.Duration
	MaxTries      int
	MaxRetryQueue int
}

// Collector fans records out to its sinks on a worker goroutine. Records
// that could not be queued or written go to a bounded retry queue drained on
// a ticker, and are dropped after MaxTries.
type Collector struct {
	conf        CollectorConfig
	sinks       []Sink
	worker      *util.Worker
	retryWorker *util.TickWorker
	mu          sync.Mutex
	retryQueue  []envelope
	dropped     int
}

var _ Recorder = new(Collector)

func NewCollector(conf CollectorConfig, sinks []Sink, wg *sync.WaitGroup) *Collector {
	if conf.Buffer <= 0 {
		conf.Buffer = 4096
	}
	if conf.RetryInterval <= 0 {
		conf.RetryInterval = 5 * time.Second
	}
	if conf.MaxTries <= 0 {
		conf.MaxTries = 3
	}
	if conf.MaxRetryQueue <= 0 {
		conf.MaxRetryQueue = 10000
	}
	c := &Collector{
		conf:  conf,
		sinks: sinks,
	}
	c.worker = util.NewWorker("analytics-collector", wg, c.handle, conf.Buffer, 1)
	c.retryWorker = util.NewTickWorker("analytics-retry", conf.RetryInterval, c.DrainRetries, wg)
	return c
}

func (c *Collector) Start() {
	c.worker.Start()
	c.retryWorker.Start()
}

func (c *Collector) Stop() error {
	c.worker.Stop()
	c.retryWorker.Stop()
	return nil
}

func (c *Collector) RecordAttempt(r AttemptRecord) {
	c.enqueue(envelope{attempt: &r})
}

func (c *Collector) RecordExecution(r ExecutionRecord) {
	c.enqueue(envelope{execution: &r})
}

func (c *Collector) enqueue(e envelope) {
	if !c.worker.TrySend(e) {
		c.pushRetry(e)
	}
}

func (c *Collector) handle(task util.Task) error {
	c.deliver(task.(envelope))
	return nil
}

func (c *Collector) deliver(e envelope) {
	sinks := c.sinks
	if e.sink != nil {
		sinks = []Sink{e.sink}
	}
	for _, s := range sinks {
		if err := write(s, e); err != nil {
			logger.Warn("analytics sink write failed", zap.String("sink", s.Name()), zap.Int("tries", e.tries+1), zap.Error(err))
			c.pushRetry(envelope{attempt: e.attempt, execution: e.execution, sink: s, tries: e.tries + 1})
		}
	}
}

func write(s Sink, e envelope) error {
	if e.attempt != nil {
		return s.WriteAttempt(*e.attempt)
	}
	return s.WriteExecution(*e.execution)
}

func (c *Collector) pushRetry(e envelope) {
	if e.tries >= c.conf.MaxTries {
		c.drop(e)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.retryQueue) >= c.conf.MaxRetryQueue {
		c.dropped++
		logger.Error("analytics retry queue full, dropping record")
		return
	}
	c.retryQueue = append(c.retryQueue, e)
}

func (c *Collector) drop(e envelope) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	fields := []zap.Field{zap.Int("tries", e.tries)}
	if e.sink != nil {
		fields = append(fields, zap.String("sink", e.sink.Name()))
	}
	if e.attempt != nil {
		fields = append(fields, zap.String("executionId", e.attempt.ExecutionId), zap.String("action", e.attempt.Action))
	} else {
		fields = append(fields, zap.String("executionId", e.execution.ExecutionId))
	}
	logger.Error("dropping analytics record", fields...)
}

// DrainRetries makes one delivery pass over the retry queue.
func (c *Collector) DrainRetries() {
	c.mu.Lock()
	pending := c.retryQueue
	c.retryQueue = nil
	c.mu.Unlock()
	for _, e := range pending {
		c.deliver(e)
	}
}

func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Collector) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retryQueue)
}
