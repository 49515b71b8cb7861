package analytics

import (
	"sync"

	"github.com/mohitkumar/flowsync/model"
)

type ActionStats struct {
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	TotalCost    float64 `json:"totalCost"`
}

type Summary struct {
	Actions    map[model.ActionType]ActionStats         `json:"actions"`
	Executions map[string]map[model.ExecutionStatus]int `json:"executions"`
	Severities map[model.Severity]int                   `json:"severities"`
}

type actionTotals struct {
	attempts  int
	successes int
	latencyMs int64
	cost      float64
}

// Aggregator is an in-memory sink answering summary queries.
type Aggregator struct {
	mu         sync.RWMutex
	actions    map[model.ActionType]*actionTotals
	executions map[string]map[model.ExecutionStatus]int
	severities map[model.Severity]int
}

var _ Sink = new(Aggregator)

func NewAggregator() *Aggregator {
	return &Aggregator{
		actions:    make(map[model.ActionType]*actionTotals),
		executions: make(map[string]map[model.ExecutionStatus]int),
		severities: make(map[model.Severity]int),
	}
}

func (a *Aggregator) Name() string {
	return "aggregator"
}

func (a *Aggregator) WriteAttempt(r AttemptRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.actions[r.ActionType]
	if !ok {
		t = &actionTotals{}
		a.actions[r.ActionType] = t
	}
	t.attempts++
	if r.Success {
		t.successes++
	}
	t.latencyMs += r.LatencyMs
	t.cost += r.Cost
	return nil
}

func (a *Aggregator) WriteExecution(r ExecutionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byStatus, ok := a.executions[r.WorkflowId]
	if !ok {
		byStatus = make(map[model.ExecutionStatus]int)
		a.executions[r.WorkflowId] = byStatus
	}
	byStatus[r.Status]++
	if r.Severity != model.SEVERITY_NONE {
		a.severities[r.Severity]++
	}
	return nil
}

func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Summary{
		Actions:    make(map[model.ActionType]ActionStats, len(a.actions)),
		Executions: make(map[string]map[model.ExecutionStatus]int, len(a.executions)),
		Severities: make(map[model.Severity]int, len(a.severities)),
	}
	for at, t := range a.actions {
		stats := ActionStats{Attempts: t.attempts, Successes: t.successes, TotalCost: t.cost}
		if t.attempts > 0 {
			stats.SuccessRate = float64(t.successes) / float64(t.attempts)
			stats.AvgLatencyMs = float64(t.latencyMs) / float64(t.attempts)
		}
		s.Actions[at] = stats
	}
	for wf, byStatus := range a.executions {
		copied := make(map[model.ExecutionStatus]int, len(byStatus))
		for st, n := range byStatus {
			copied[st] = n
		}
		s.Executions[wf] = copied
	}
	for sev, n := range a.severities {
		s.Severities[sev] = n
	}
	return s
}
