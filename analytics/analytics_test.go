package analytics

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/messaging"
	"github.com/mohitkumar/flowsync/model"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []AttemptRecord
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) WriteAttempt(r AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.written = append(f.written, r)
	return nil
}

func (f *flakySink) WriteExecution(r ExecutionRecord) error { return nil }

func (f *flakySink) stats() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.written)
}

func TestAggregatorSummary(t *testing.T) {
	agg := NewAggregator()
	require.NoError(t, agg.WriteAttempt(AttemptRecord{ActionType: model.WRITE_RECORD, Success: false, LatencyMs: 30, Cost: 0.5}))
	require.NoError(t, agg.WriteAttempt(AttemptRecord{ActionType: model.WRITE_RECORD, Success: true, LatencyMs: 10, Cost: 0.5}))
	require.NoError(t, agg.WriteExecution(ExecutionRecord{WorkflowId: "wf", Status: model.SUCCEEDED}))
	require.NoError(t, agg.WriteExecution(ExecutionRecord{WorkflowId: "wf", Status: model.ESCALATED, Severity: model.SEVERITY_HIGH}))

	s := agg.Summary()
	stats := s.Actions[model.WRITE_RECORD]
	require.Equal(t, 2, stats.Attempts)
	require.Equal(t, 1, stats.Successes)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	require.InDelta(t, 20, stats.AvgLatencyMs, 1e-9)
	require.InDelta(t, 1.0, stats.TotalCost, 1e-9)
	require.Equal(t, 1, s.Executions["wf"][model.ESCALATED])
	require.Equal(t, 1, s.Severities[model.SEVERITY_HIGH])
}

func TestCollectorDeliversToSinks(t *testing.T) {
	var wg sync.WaitGroup
	agg := NewAggregator()
	w := &messaging.MemoryWriter{}
	c := NewCollector(CollectorConfig{Buffer: 16, RetryInterval: time.Hour}, []Sink{agg, NewKafkaSink(messaging.NewProducer(w, "audit"))}, &wg)
	c.Start()
	defer func() {
		_ = c.Stop()
		wg.Wait()
	}()

	c.RecordAttempt(AttemptRecord{ExecutionId: "x1", ActionType: model.SEND_MESSAGE, Success: true})
	c.RecordExecution(ExecutionRecord{ExecutionId: "x1", WorkflowId: "wf", Status: model.SUCCEEDED})

	require.Eventually(t, func() bool {
		return agg.Summary().Executions["wf"][model.SUCCEEDED] == 1 && len(w.Messages()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "x1", string(w.Messages()[0].Key))
}

func TestCollectorRetriesFailedSink(t *testing.T) {
	var wg sync.WaitGroup
	sink := &flakySink{failures: 1}
	c := NewCollector(CollectorConfig{Buffer: 16, RetryInterval: time.Hour, MaxTries: 3}, []Sink{sink}, &wg)
	c.Start()
	defer func() {
		_ = c.Stop()
		wg.Wait()
	}()

	c.RecordAttempt(AttemptRecord{ExecutionId: "x1", Action: "a"})
	require.Eventually(t, func() bool { return c.PendingRetries() == 1 }, time.Second, 5*time.Millisecond)
	c.DrainRetries()
	calls, written := sink.stats()
	require.Equal(t, 2, calls)
	require.Equal(t, 1, written)
	require.Equal(t, 0, c.Dropped())
}

func TestCollectorDropsAfterMaxTries(t *testing.T) {
	var wg sync.WaitGroup
	sink := &flakySink{failures: 100}
	c := NewCollector(CollectorConfig{Buffer: 16, RetryInterval: time.Hour, MaxTries: 3}, []Sink{sink}, &wg)
	c.Start()
	defer func() {
		_ = c.Stop()
		wg.Wait()
	}()

	c.RecordAttempt(AttemptRecord{ExecutionId: "x1", Action: "a"})
	require.Eventually(t, func() bool { return c.PendingRetries() == 1 }, time.Second, 5*time.Millisecond)
	c.DrainRetries()
	c.DrainRetries()
	calls, written := sink.stats()
	require.Equal(t, 3, calls)
	require.Equal(t, 0, written)
	require.Equal(t, 1, c.Dropped())
	require.Equal(t, 0, c.PendingRetries())
}

func TestCollectorNeverBlocks(t *testing.T) {
	var wg sync.WaitGroup
	sink := &flakySink{}
	// not started: the channel fills and overflow goes to the retry queue
	c := NewCollector(CollectorConfig{Buffer: 1, RetryInterval: time.Hour}, []Sink{sink}, &wg)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.RecordAttempt(AttemptRecord{ExecutionId: "x", Attempt: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record call blocked")
	}
	require.Equal(t, 9, c.PendingRetries())
	c.DrainRetries()
	_, written := sink.stats()
	require.Equal(t, 9, written)
}

func TestLogFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewLogFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.WriteAttempt(AttemptRecord{ExecutionId: "x1", Action: "charge", Attempt: 2}))
	require.NoError(t, sink.WriteExecution(ExecutionRecord{ExecutionId: "x1", Status: model.FAILED}))
	_ = sink.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "attempt", lines[0]["msg"])
	require.Equal(t, "charge", lines[0]["action"])
	require.Equal(t, "failed", lines[1]["status"])
}
