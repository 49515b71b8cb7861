package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/flowsync/action"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/metadata"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/trigger"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const COMPONENT = "engine"

type Config struct {
	Workers              int
	EventBuffer          int
	LongRunningThreshold time.Duration
	LongRunningScan      time.Duration
}

var ErrNotRunning = errors.New("workflow engine is not running")

var _ trigger.Dispatcher = new(FlowEngine)

// activeExecution is the in-process control block of a running execution.
type activeExecution struct {
	cancelled   bool
	longRunning bool
}

type FlowEngine struct {
	conf       Config
	metadata   metadata.MetadataService
	executions persistence.ExecutionStore
	events     persistence.EventStore
	executor   *action.Executor
	notifier   notify.Notifier
	recorder   analytics.Recorder
	worker     *util.Worker
	scanner    *util.TickWorker
	wg         *sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*activeExecution
	failures map[string]int
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewFlowEngine builds an engine. events may be nil; when set, queued events
// are marked handled there once every matching workflow ran.
func NewFlowEngine(conf Config, metadataService metadata.MetadataService, executions persistence.ExecutionStore, events persistence.EventStore,
	executor *action.Executor, notifier notify.Notifier, recorder analytics.Recorder, wg *sync.WaitGroup) *FlowEngine {
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.EventBuffer <= 0 {
		conf.EventBuffer = 1024
	}
	if conf.LongRunningThreshold <= 0 {
		conf.LongRunningThreshold = 5 * time.Minute
	}
	if conf.LongRunningScan <= 0 {
		conf.LongRunningScan = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if recorder == nil {
		recorder = analytics.NopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &FlowEngine{
		conf:       conf,
		metadata:   metadataService,
		executions: executions,
		events:     events,
		executor:   executor,
		notifier:   notifier,
		recorder:   recorder,
		wg:         wg,
		active:     make(map[string]*activeExecution),
		failures:   make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
		now:        func() time.Time { return time.Now().UTC() },
	}
	e.worker = util.NewWorker("engine", wg, e.handleTask, conf.EventBuffer, conf.Workers)
	e.scanner = util.NewTickWorker("long-running-scanner", conf.LongRunningScan, e.scanLongRunning, wg)
	return e
}

func (e *FlowEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.worker.Start()
	e.scanner.Start()
	e.running = true
	logger.Info("workflow engine started", zap.Int("workers", e.conf.Workers))
}

// Stop stops taking events. Executions in flight see a cancelled context,
// which aborts backoff waits and in-flight calls.
func (e *FlowEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()
	e.cancel()
	e.worker.Stop()
	e.scanner.Stop()
	return nil
}

// Submit queues an accepted event for asynchronous handling. It blocks while
// the queue is full, until ctx is done.
func (e *FlowEngine) Submit(ctx context.Context, event *model.Event) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case e.worker.Sender() <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrNotRunning
	}
}

func (e *FlowEngine) handleTask(task util.Task) error {
	event, ok := task.(*model.Event)
	if !ok {
		return errors.Errorf("unexpected engine task %T", task)
	}
	if _, err := e.HandleEvent(e.ctx, event); err != nil {
		// left pending, the receiver dispatches it again
		return err
	}
	if e.events == nil {
		return nil
	}
	if err := e.events.MarkHandled(context.WithoutCancel(e.ctx), event.Id); err != nil {
		logger.Error("error in marking event handled", zap.String("eventId", event.Id), zap.Error(err))
	}
	return nil
}

// HandleEvent runs every enabled workflow triggered by the event and returns
// the executions it created.
func (e *FlowEngine) HandleEvent(ctx context.Context, event *model.Event) ([]model.WorkflowExecution, error) {
	wfs, err := e.metadata.MatchingWorkflows(ctx, event)
	if err != nil {
		return nil, errors.Wrap(err, "find matching workflows")
	}
	if len(wfs) == 0 {
		logger.Debug("no workflow matches event", zap.String("eventId", event.Id), zap.String("source", event.Source), zap.String("type", string(event.Type)))
		return nil, nil
	}
	var out []model.WorkflowExecution
	var errs []error
	for _, wf := range wfs {
		exec, err := e.execute(ctx, wf, event)
		if err != nil {
			logger.Error("error executing workflow", zap.String("workflowId", wf.Id), zap.String("eventId", event.Id), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if exec != nil {
			out = append(out, *exec)
		}
	}
	if len(errs) > 0 {
		return out, errs[0]
	}
	return out, nil
}

// Cancel requests cancellation of a running execution. It takes effect at
// the next action boundary.
func (e *FlowEngine) Cancel(ctx context.Context, executionId string) error {
	e.mu.Lock()
	a, active := e.active[executionId]
	if active {
		a.cancelled = true
	}
	e.mu.Unlock()
	if active {
		// finished but not yet unregistered
		if exec, err := e.executions.Get(ctx, executionId); err == nil && exec.Status.IsTerminal() {
			return persistence.ErrTerminalExecution
		}
		logger.Info("execution cancellation requested", zap.String("executionId", executionId))
		return nil
	}

	exec, err := e.executions.Get(ctx, executionId)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return persistence.ErrTerminalExecution
	}
	// running in the store but not here, its process is gone
	exec.Cancelled = true
	exec.Error = "cancelled"
	if err := exec.Finish(model.FAILED, e.now()); err != nil {
		return err
	}
	if err := e.executions.Update(ctx, exec); err != nil {
		return err
	}
	logger.Info("orphaned execution cancelled", zap.String("executionId", executionId))
	return nil
}

func (e *FlowEngine) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	return e.executions.Get(ctx, id)
}

func (e *FlowEngine) ListExecutions(ctx context.Context, query model.ExecutionQuery) ([]model.WorkflowExecution, error) {
	return e.executions.List(ctx, query)
}

func (e *FlowEngine) register(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[id] = &activeExecution{}
}

func (e *FlowEngine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

func (e *FlowEngine) control(id string) activeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[id]; ok {
		return *a
	}
	return activeExecution{}
}

func (e *FlowEngine) scanLongRunning() {
	running, err := e.executions.ListRunning(e.ctx)
	if err != nil {
		logger.Error("error in listing running executions", zap.Error(err))
		return
	}
	threshold := e.now().Add(-e.conf.LongRunningThreshold)
	for _, exec := range running {
		if exec.LongRunning || exec.StartedAt.After(threshold) {
			continue
		}
		e.mu.Lock()
		a, ok := e.active[exec.Id]
		flagged := ok && a.longRunning
		if ok {
			a.longRunning = true
		}
		e.mu.Unlock()
		if flagged {
			continue
		}
		logger.Warn("execution is long running", zap.String("executionId", exec.Id), zap.String("workflowId", exec.WorkflowId),
			zap.Time("startedAt", exec.StartedAt), zap.Duration("threshold", e.conf.LongRunningThreshold))
		if ok {
			continue
		}
		exec := exec
		exec.LongRunning = true
		if err := e.executions.Update(e.ctx, &exec); err != nil && !errors.Is(err, persistence.ErrTerminalExecution) {
			logger.Error("error in flagging long running execution", zap.String("executionId", exec.Id), zap.Error(err))
		}
	}
}
