package action

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/datasync"
	"github.com/mohitkumar/flowsync/model"
)

// Action performs one attempt of an action definition. Execute is called once
// per attempt with the same token.
type Action interface {
	Validate() error
	Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error)
}

// Synchronizer accepts field writes for shared entities.
type Synchronizer interface {
	Propose(ctx context.Context, w datasync.Write) (datasync.Outcome, error)
}

func terminal(name string, format string, args ...any) error {
	return model.ActionTerminalError{Action: name, Err: fmt.Errorf(format, args...)}
}

type adapterAction struct {
	def     model.ActionDef
	kind    adapter.WriteKind
	adapter adapter.Adapter
}

func (a *adapterAction) Validate() error {
	if a.adapter == nil {
		return terminal(a.def.Name, "no adapter registered for target %q", a.def.Target)
	}
	return nil
}

func (a *adapterAction) Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	req := adapter.WriteRequest{
		Token:   token,
		Kind:    a.kind,
		Payload: params,
	}
	if id, ok := params["entity_id"].(string); ok {
		req.EntityId = id
	}
	return a.adapter.Write(ctx, req)
}

// recordAction writes a record to its target and proposes the written fields
// to the synchronization service, with the target as source system.
type recordAction struct {
	adapterAction
	sync Synchronizer
	now  func() time.Time
}

func (r *recordAction) Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	out, err := r.adapterAction.Execute(ctx, token, params)
	if err != nil {
		return nil, err
	}
	entityId, _ := params["entity_id"].(string)
	rawFields, hasFields := params["fields"].(map[string]any)
	if entityId == "" || !hasFields || r.sync == nil {
		return out, nil
	}
	fields, err := model.FlattenPayload(rawFields)
	if err != nil {
		return nil, terminal(r.def.Name, "invalid record fields: %v", err)
	}
	at := r.now()
	outcomes := make(map[string]any, len(fields))
	var version int64
	for name, value := range fields {
		outcome, err := r.sync.Propose(ctx, datasync.Write{
			EntityId:  entityId,
			Field:     name,
			Value:     value,
			Source:    r.def.Target,
			Timestamp: at,
		})
		if err != nil {
			return nil, err
		}
		outcomes[name] = string(outcome.Status)
		if outcome.Version > version {
			version = outcome.Version
		}
	}
	if out == nil {
		out = make(map[string]any)
	}
	out["entityId"] = entityId
	out["entityVersion"] = version
	out["sync"] = outcomes
	return out, nil
}

type waitAction struct {
	def model.ActionDef
}

func (w *waitAction) Validate() error {
	if w.def.WaitMs <= 0 {
		return terminal(w.def.Name, "waitMs must be positive")
	}
	return nil
}

func (w *waitAction) Execute(ctx context.Context, token string, params map[string]any) (map[string]any, error) {
	timer := time.NewTimer(time.Duration(w.def.WaitMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waitedMs": w.def.WaitMs}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
