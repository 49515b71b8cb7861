package datasync

import (
	"time"

	"github.com/mohitkumar/flowsync/model"
)

// Write is a proposed change of one field of a shared entity.
type Write struct {
	EntityId  string           `json:"entityId"`
	Field     string           `json:"field"`
	Value     model.FieldValue `json:"value"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

type OutcomeStatus string

const (
	ACCEPTED          OutcomeStatus = "accepted"
	UNCHANGED         OutcomeStatus = "unchanged"
	STALE             OutcomeStatus = "stale"
	CONFLICT_RESOLVED OutcomeStatus = "conflict_resolved"
	HELD              OutcomeStatus = "held"
)

type Outcome struct {
	Status OutcomeStatus `json:"status"`
	// Applied is true when the write changed the entity.
	Applied    bool   `json:"applied"`
	Version    int64  `json:"version"`
	ConflictId string `json:"conflictId,omitempty"`
}

// Resolution picks the winner of a pending conflict, either one of the
// competing sources or an explicit value.
type Resolution struct {
	Source     string            `json:"source,omitempty"`
	Value      *model.FieldValue `json:"value,omitempty"`
	ResolvedBy string            `json:"resolvedBy"`
}
