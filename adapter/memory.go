package adapter

import (
	"context"
	"sync"
	"time"
)

// MemoryAdapter is an in-process backing system. It deduplicates writes by
// token, ignores field writes older than the version it holds and can be
// scripted to fail.
type MemoryAdapter struct {
	name          string
	mu            sync.Mutex
	records       map[string]map[string]any
	fieldVersions map[string]map[string]int64
	tokens        map[string]map[string]any
	applied       []WriteRequest
	calls         int
	failures      []error
	failAlways    error
	readErr       error
	latency       time.Duration
}

var _ Adapter = new(MemoryAdapter)

func NewMemoryAdapter(name string) *MemoryAdapter {
	return &MemoryAdapter{
		name:          name,
		records:       make(map[string]map[string]any),
		fieldVersions: make(map[string]map[string]int64),
		tokens:        make(map[string]map[string]any),
	}
}

func (m *MemoryAdapter) Name() string {
	return m.name
}

// FailNext makes the next len(errs) writes fail with errs, in order.
func (m *MemoryAdapter) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailAlways makes every write and read fail with err until Heal.
func (m *MemoryAdapter) FailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = err
}

func (m *MemoryAdapter) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = nil
	m.failures = nil
	m.readErr = nil
}

func (m *MemoryAdapter) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetLatency delays every write, honoring context cancellation.
func (m *MemoryAdapter) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Put seeds a field directly, as if changed out of band.
func (m *MemoryAdapter) Put(entityId, field string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(entityId)[field] = value
}

func (m *MemoryAdapter) record(entityId string) map[string]any {
	rec, ok := m.records[entityId]
	if !ok {
		rec = make(map[string]any)
		m.records[entityId] = rec
	}
	return rec
}

func (m *MemoryAdapter) Write(ctx context.Context, req WriteRequest) (map[string]any, error) {
	m.mu.Lock()
	m.calls++
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlways != nil {
		return nil, m.failAlways
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	if out, seen := m.tokens[req.Token]; seen && req.Token != "" {
		return out, nil
	}
	out := map[string]any{"system": m.name, "token": req.Token, "id": req.Token}
	switch {
	case req.Kind == FIELD_SYNC && req.EntityId != "" && req.Field != "":
		versions, ok := m.fieldVersions[req.EntityId]
		if !ok {
			versions = make(map[string]int64)
			m.fieldVersions[req.EntityId] = versions
		}
		if req.Version >= versions[req.Field] {
			versions[req.Field] = req.Version
			m.record(req.EntityId)[req.Field] = req.Payload["value"]
		}
	case req.EntityId != "":
		if fields, ok := req.Payload["fields"].(map[string]any); ok {
			rec := m.record(req.EntityId)
			for k, v := range fields {
				rec[k] = v
			}
		}
		out["entityId"] = req.EntityId
	}
	m.applied = append(m.applied, req)
	m.tokens[req.Token] = out
	return out, nil
}

func (m *MemoryAdapter) Read(ctx context.Context, entityId string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlways != nil {
		return nil, m.failAlways
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make(map[string]any)
	for k, v := range m.records[entityId] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryAdapter) Record(entityId string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any)
	for k, v := range m.records[entityId] {
		out[k] = v
	}
	return out
}

// Applied returns the writes that took effect, duplicates excluded.
func (m *MemoryAdapter) Applied() []WriteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteRequest, len(m.applied))
	copy(out, m.applied)
	return out
}

// Calls counts every write call, failed and duplicate ones included.
func (m *MemoryAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
