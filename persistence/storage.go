package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/flowsync/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var ErrNotFound = errors.New("not found")

// ErrTerminalExecution is returned when an update targets an execution that
// already reached a terminal status.
var ErrTerminalExecution = model.ErrExecutionTerminal

type EventStore interface {
	// SaveIfAbsent stores the event unless another event with the same
	// idempotency key was saved within window. It returns the stored event
	// (the original on a duplicate) and whether this call saved it.
	SaveIfAbsent(ctx context.Context, event *model.Event, window time.Duration) (*model.Event, bool, error)
	Get(ctx context.Context, id string) (*model.Event, error)
	// MarkHandled records that the engine handled the event. Saved events
	// stay pending until then.
	MarkHandled(ctx context.Context, id string) error
	IsPending(ctx context.Context, id string) (bool, error)
	// ListPending returns pending events received before the given time,
	// oldest first.
	ListPending(ctx context.Context, receivedBefore time.Time) ([]model.Event, error)
}

type WorkflowStore interface {
	// Save stores a new version of a workflow and makes it the latest.
	Save(ctx context.Context, wf model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	GetVersion(ctx context.Context, id string, version int) (*model.Workflow, error)
	// List returns the latest version of every workflow.
	List(ctx context.Context) ([]model.Workflow, error)
}

type ExecutionStore interface {
	// Create stores a new execution. It returns false, without storing, when
	// an execution for the same workflow and event already exists.
	Create(ctx context.Context, exec *model.WorkflowExecution) (bool, error)
	// Update replaces a stored execution. It fails with ErrTerminalExecution
	// when the stored copy is terminal.
	Update(ctx context.Context, exec *model.WorkflowExecution) error
	Get(ctx context.Context, id string) (*model.WorkflowExecution, error)
	// List returns matching executions ordered by start time.
	List(ctx context.Context, query model.ExecutionQuery) ([]model.WorkflowExecution, error)
	ListRunning(ctx context.Context) ([]model.WorkflowExecution, error)
}

type EntityStore interface {
	Get(ctx context.Context, id string) (*model.EntityRecord, error)
	Save(ctx context.Context, entity *model.EntityRecord) error
	// ListDegraded returns the ids of entities flagged sync degraded.
	ListDegraded(ctx context.Context) ([]string, error)
}

type ConflictStore interface {
	Save(ctx context.Context, conflict *model.ConflictRecord) error
	Get(ctx context.Context, id string) (*model.ConflictRecord, error)
	ListPending(ctx context.Context) ([]model.ConflictRecord, error)
}

// Limit applies a query limit to an already ordered result.
func Limit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
