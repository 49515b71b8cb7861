package model

import "time"

type FieldMeta struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Version   int64     `json:"version"`
}

// EntityRecord is the merged view of a logical entity shared by several
// backing systems. Only the synchronization service mutates it.
type EntityRecord struct {
	Id                string               `json:"id"`
	Fields            Fields               `json:"fields"`
	Meta              map[string]FieldMeta `json:"meta"`
	Version           int64                `json:"version"`
	HeldFields        map[string]string    `json:"heldFields,omitempty"`
	SyncDegraded      bool                 `json:"syncDegraded"`
	DegradedTargets   []string             `json:"degradedTargets,omitempty"`
	ReconcileFailures int                  `json:"reconcileFailures,omitempty"`
	SyncHalted        bool                 `json:"syncHalted,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

func NewEntityRecord(id string) *EntityRecord {
	return &EntityRecord{
		Id:         id,
		Fields:     make(Fields),
		Meta:       make(map[string]FieldMeta),
		HeldFields: make(map[string]string),
	}
}

func (e *EntityRecord) IsHeld(field string) bool {
	_, ok := e.HeldFields[field]
	return ok
}

func (e *EntityRecord) MarkDegraded(target string) {
	e.SyncDegraded = true
	for _, t := range e.DegradedTargets {
		if t == target {
			return
		}
	}
	e.DegradedTargets = append(e.DegradedTargets, target)
}

func (e *EntityRecord) ClearDegraded(target string) {
	out := e.DegradedTargets[:0]
	for _, t := range e.DegradedTargets {
		if t != target {
			out = append(out, t)
		}
	}
	e.DegradedTargets = out
	if len(e.DegradedTargets) == 0 {
		e.SyncDegraded = false
		e.SyncHalted = false
		e.ReconcileFailures = 0
	}
}

type ConflictStatus string

const (
	CONFLICT_PENDING           ConflictStatus = "pending"
	CONFLICT_AUTO_RESOLVED     ConflictStatus = "auto_resolved"
	CONFLICT_MANUALLY_RESOLVED ConflictStatus = "manually_resolved"
)

type ResolutionStrategy string

const (
	LAST_WRITER_WINS ResolutionStrategy = "last_writer_wins"
	MANUAL           ResolutionStrategy = "manual"
)

type Candidate struct {
	Source    string     `json:"source"`
	Value     FieldValue `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

type ConflictRecord struct {
	Id         string             `json:"id"`
	EntityId   string             `json:"entityId"`
	Field      string             `json:"field"`
	Candidates []Candidate        `json:"candidates"`
	Status     ConflictStatus     `json:"status"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Chosen     *FieldValue        `json:"chosen,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy string             `json:"resolvedBy,omitempty"`
}
