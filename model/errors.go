package model

import "fmt"

type MalformedEventError struct {
	Source string
	Reason string
}

func (e MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event from %q: %s", e.Source, e.Reason)
}

type FilterTypeError struct {
	Field    string
	Operator Operator
	Detail   string
}

func (e FilterTypeError) Error() string {
	return fmt.Sprintf("filter %s %s: %s", e.Field, e.Operator, e.Detail)
}

type ActionRetryableError struct {
	Action string
	Err    error
}

func (e ActionRetryableError) Error() string {
	return fmt.Sprintf("action %s failed with retryable error: %v", e.Action, e.Err)
}

func (e ActionRetryableError) Unwrap() error {
	return e.Err
}

type ActionTerminalError struct {
	Action string
	Err    error
}

func (e ActionTerminalError) Error() string {
	return fmt.Sprintf("action %s failed with terminal error: %v", e.Action, e.Err)
}

func (e ActionTerminalError) Unwrap() error {
	return e.Err
}

type SyncConflictError struct {
	EntityId   string
	Field      string
	ConflictId string
}

func (e SyncConflictError) Error() string {
	return fmt.Sprintf("field %s of entity %s is held by pending conflict %s", e.Field, e.EntityId, e.ConflictId)
}

type SyncPersistentFailure struct {
	EntityId string
	Target   string
	Err      error
}

func (e SyncPersistentFailure) Error() string {
	return fmt.Sprintf("sync of entity %s to %s failed persistently: %v", e.EntityId, e.Target, e.Err)
}

func (e SyncPersistentFailure) Unwrap() error {
	return e.Err
}
