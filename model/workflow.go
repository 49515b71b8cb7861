package model

import "time"

type Operator string

const (
	EQUALS       Operator = "equals"
	CONTAINS     Operator = "contains"
	GREATER_THAN Operator = "greater_than"
	LESS_THAN    Operator = "less_than"
)

type Connector string

const (
	AND Connector = "AND"
	OR  Connector = "OR"
)

// Predicate is one entry of a workflow's flat filter list. Connector joins the
// predicate with the accumulated result of the predicates before it.
type Predicate struct {
	Field     string    `json:"field"`
	Operator  Operator  `json:"operator"`
	Value     any       `json:"value"`
	Connector Connector `json:"connector,omitempty"`
}

type Trigger struct {
	Source    string    `json:"source"`
	EventType EventType `json:"eventType"`
}

// Matches reports whether the event fires this trigger. An empty source
// matches every source.
func (t Trigger) Matches(e *Event) bool {
	if t.EventType != e.Type {
		return false
	}
	return t.Source == "" || t.Source == e.Source
}

type ActionType string

const (
	SEND_MESSAGE ActionType = "send_message"
	WRITE_RECORD ActionType = "write_record"
	CALL_WEBHOOK ActionType = "call_webhook"
	WAIT         ActionType = "wait"
	TRANSFORM    ActionType = "transform"
)

var ACTION_TYPES = []ActionType{SEND_MESSAGE, WRITE_RECORD, CALL_WEBHOOK, WAIT, TRANSFORM}

func (t ActionType) Valid() bool {
	for _, at := range ACTION_TYPES {
		if at == t {
			return true
		}
	}
	return false
}

// NeedsTarget reports whether the action type talks to an external adapter.
func (t ActionType) NeedsTarget() bool {
	return t == SEND_MESSAGE || t == WRITE_RECORD || t == CALL_WEBHOOK
}

const DEFAULT_ACTION_TIMEOUT = 30 * time.Second

type ActionDef struct {
	Name              string         `json:"name"`
	Type              ActionType     `json:"type"`
	Target            string         `json:"target,omitempty"`
	Params            map[string]any `json:"parameters,omitempty"`
	Retry             *RetryPolicy   `json:"retry,omitempty"`
	TimeoutMs         int            `json:"timeoutMs,omitempty"`
	Fallback          *ActionDef     `json:"fallback,omitempty"`
	ContinueOnFailure bool           `json:"continueOnFailure,omitempty"`
	Cost              float64        `json:"cost,omitempty"`
	WaitMs            int            `json:"waitMs,omitempty"`
	Script            string         `json:"script,omitempty"`
}

func (a ActionDef) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return DEFAULT_ACTION_TIMEOUT
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

func (a ActionDef) RetryPolicy() RetryPolicy {
	if a.Retry == nil {
		return DefaultRetryPolicy()
	}
	return a.Retry.WithDefaults()
}

type FailureMode string

const (
	FAIL_ON_ERROR     FailureMode = "fail"
	ESCALATE_ON_ERROR FailureMode = "escalate"
)

type ErrorPolicy struct {
	OnFailure                FailureMode `json:"onFailure,omitempty"`
	CriticalFailureThreshold int         `json:"criticalFailureThreshold,omitempty"`
	PauseOnCritical          *bool       `json:"pauseOnCritical,omitempty"`
}

func (p ErrorPolicy) FailureStatus() ExecutionStatus {
	if p.OnFailure == ESCALATE_ON_ERROR {
		return ESCALATED
	}
	return FAILED
}

func (p ErrorPolicy) ShouldPauseOnCritical() bool {
	return p.PauseOnCritical == nil || *p.PauseOnCritical
}

// Workflow is an immutable automation definition. Updates are stored as a new
// Version, executions keep the snapshot they started with.
type Workflow struct {
	Id          string      `json:"id"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	Trigger     Trigger     `json:"trigger"`
	Filters     []Predicate `json:"filters,omitempty"`
	Actions     []ActionDef `json:"actions"`
	ErrorPolicy ErrorPolicy `json:"errorPolicy"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
