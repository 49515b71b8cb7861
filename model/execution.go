package model

import (
	"errors"
	"time"
)

type ExecutionStatus string

const (
	RUNNING   ExecutionStatus = "running"
	SUCCEEDED ExecutionStatus = "succeeded"
	FAILED    ExecutionStatus = "failed"
	ESCALATED ExecutionStatus = "escalated"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == SUCCEEDED || s == FAILED || s == ESCALATED
}

func (s ExecutionStatus) Valid() bool {
	return s == RUNNING || s.IsTerminal()
}

type ResultStatus string

const (
	RESULT_SUCCEEDED ResultStatus = "succeeded"
	RESULT_FAILED    ResultStatus = "failed"
	RESULT_SKIPPED   ResultStatus = "skipped"
)

type ErrorKind string

const (
	ERROR_KIND_NONE      ErrorKind = ""
	ERROR_KIND_RETRYABLE ErrorKind = "retryable"
	ERROR_KIND_TERMINAL  ErrorKind = "terminal"
)

type ActionResult struct {
	Name         string         `json:"name"`
	Index        int            `json:"index"`
	Type         ActionType     `json:"type"`
	Target       string         `json:"target,omitempty"`
	Status       ResultStatus   `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Attempts     int            `json:"attempts"`
	DurationMs   int64          `json:"durationMs"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    ErrorKind      `json:"errorKind,omitempty"`
	UsedFallback bool           `json:"usedFallback,omitempty"`
	Cost         float64        `json:"cost,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      time.Time      `json:"endedAt"`
}

var ErrExecutionTerminal = errors.New("workflow execution already reached a terminal status")

type WorkflowExecution struct {
	Id              string          `json:"id"`
	WorkflowId      string          `json:"workflowId"`
	WorkflowVersion int             `json:"workflowVersion"`
	EventId         string          `json:"eventId"`
	Results         []ActionResult  `json:"results"`
	Status          ExecutionStatus `json:"status"`
	Severity        Severity        `json:"severity,omitempty"`
	FilterErrors    []string        `json:"filterErrors,omitempty"`
	FilteredOut     bool            `json:"filteredOut,omitempty"`
	Error           string          `json:"error,omitempty"`
	Cancelled       bool            `json:"cancelled,omitempty"`
	LongRunning     bool            `json:"longRunning,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
}

func (e *WorkflowExecution) AppendResult(r ActionResult) error {
	if e.Status.IsTerminal() {
		return ErrExecutionTerminal
	}
	e.Results = append(e.Results, r)
	return nil
}

// Finish moves a running execution into a terminal status.
func (e *WorkflowExecution) Finish(status ExecutionStatus, at time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionTerminal
	}
	if !status.IsTerminal() {
		return errors.New("finish requires a terminal status")
	}
	e.Status = status
	e.EndedAt = &at
	return nil
}

// Result returns the result of the named action, if it ran.
func (e *WorkflowExecution) Result(name string) (ActionResult, bool) {
	for _, r := range e.Results {
		if r.Name == name {
			return r, true
		}
	}
	return ActionResult{}, false
}

type ExecutionQuery struct {
	WorkflowId string
	Status     ExecutionStatus
	From       time.Time
	To         time.Time
	Limit      int
}

func (q ExecutionQuery) Matches(e *WorkflowExecution) bool {
	if q.WorkflowId != "" && q.WorkflowId != e.WorkflowId {
		return false
	}
	if q.Status != "" && q.Status != e.Status {
		return false
	}
	if !q.From.IsZero() && e.StartedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.StartedAt.After(q.To) {
		return false
	}
	return true
}
