package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type ErrorKind string

const (
	RETRYABLE    ErrorKind = "retryable"
	RATE_LIMITED ErrorKind = "rate_limited"
	TERMINAL     ErrorKind = "terminal"
)

// Error is the typed failure every adapter returns. Terminal errors are
// validation or client errors that a retry can not fix.
type Error struct {
	Kind    ErrorKind
	System  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s error: %s: %v", e.System, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s error: %s", e.System, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Retryable(system, msg string, err error) *Error {
	return &Error{Kind: RETRYABLE, System: system, Message: msg, Err: err}
}

func RateLimited(system, msg string) *Error {
	return &Error{Kind: RATE_LIMITED, System: system, Message: msg}
}

func Terminal(system, msg string, err error) *Error {
	return &Error{Kind: TERMINAL, System: system, Message: msg, Err: err}
}

// IsTerminal reports whether err carries a terminal adapter error. Anything
// unclassified is treated as retryable.
func IsTerminal(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == TERMINAL
	}
	return false
}

type WriteKind string

const (
	MESSAGE    WriteKind = "message"
	RECORD     WriteKind = "record"
	WEBHOOK    WriteKind = "webhook"
	FIELD_SYNC WriteKind = "field_sync"
)

// WriteRequest is a single idempotent write. Token is identical across
// retries of the same logical write.
type WriteRequest struct {
	Token    string         `json:"token"`
	Kind     WriteKind      `json:"kind"`
	EntityId string         `json:"entityId,omitempty"`
	Field    string         `json:"field,omitempty"`
	Version  int64          `json:"version,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type Adapter interface {
	Name() string
	Write(ctx context.Context, req WriteRequest) (map[string]any, error)
	// Read returns the fields the system holds for an entity.
	Read(ctx context.Context, entityId string) (map[string]any, error)
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
