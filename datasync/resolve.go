package datasync

import (
	"context"
	"fmt"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MANUAL_SOURCE is the field source recorded for an explicit resolution value.
const MANUAL_SOURCE = "manual"

var ErrConflictNotPending = errors.New("conflict is not pending")

type InvalidResolutionError struct {
	Reason string
}

func (e InvalidResolutionError) Error() string {
	return "invalid resolution: " + e.Reason
}

// ResolveConflict closes a pending conflict with the value of one of its
// candidates or an explicit value, releases the field and propagates the
// chosen value to every system.
func (s *Service) ResolveConflict(ctx context.Context, conflictId string, res Resolution) (*model.ConflictRecord, error) {
	if res.Source == "" && res.Value == nil {
		return nil, InvalidResolutionError{Reason: "either source or value is required"}
	}
	record, err := s.conflicts.Get(ctx, conflictId)
	if err != nil {
		return nil, err
	}
	var resolved *model.ConflictRecord
	var resolveErr error
	if err := s.onLane(ctx, record.EntityId, func() {
		resolved, resolveErr = s.resolve(s.ctx, conflictId, res)
	}); err != nil {
		return nil, err
	}
	return resolved, resolveErr
}

func (s *Service) resolve(ctx context.Context, conflictId string, res Resolution) (*model.ConflictRecord, error) {
	record, err := s.conflicts.Get(ctx, conflictId)
	if err != nil {
		return nil, err
	}
	if record.Status != model.CONFLICT_PENDING {
		return nil, ErrConflictNotPending
	}
	var chosen model.FieldValue
	source := res.Source
	at := s.now()
	if res.Value != nil {
		chosen = *res.Value
		if source == "" {
			source = MANUAL_SOURCE
		}
	} else {
		var best *model.Candidate
		for i, c := range record.Candidates {
			if c.Source == res.Source && (best == nil || !c.Timestamp.Before(best.Timestamp)) {
				best = &record.Candidates[i]
			}
		}
		if best == nil {
			return nil, InvalidResolutionError{Reason: fmt.Sprintf("source %s is not a candidate of conflict %s", res.Source, conflictId)}
		}
		chosen = best.Value
		at = best.Timestamp
	}

	entity, err := s.load(ctx, record.EntityId)
	if err != nil {
		return nil, err
	}
	delete(entity.HeldFields, record.Field)
	entity.Version++
	entity.Fields[record.Field] = chosen
	entity.Meta[record.Field] = model.FieldMeta{Source: source, Timestamp: at, Version: entity.Version}
	entity.UpdatedAt = s.now()
	halted := s.deferIfHalted(entity, "")
	if err := s.entities.Save(ctx, entity); err != nil {
		return nil, errors.Wrapf(err, "save entity %s", entity.Id)
	}

	resolvedAt := s.now()
	record.Status = model.CONFLICT_MANUALLY_RESOLVED
	record.Chosen = &chosen
	record.ResolvedAt = &resolvedAt
	record.ResolvedBy = res.ResolvedBy
	if err := s.conflicts.Save(ctx, record); err != nil {
		return nil, errors.Wrap(err, "save conflict")
	}
	logger.Info("conflict resolved", zap.String("conflictId", conflictId), zap.String("entityId", entity.Id), zap.String("field", record.Field),
		zap.String("resolvedBy", res.ResolvedBy), zap.Int64("version", entity.Version))
	if !halted {
		s.propagate(entity.Id, record.Field, chosen, entity.Version, "")
	}
	return record, nil
}

// ReconcileReport is the outcome of one reconciliation pass of an entity.
type ReconcileReport struct {
	EntityId  string              `json:"entityId"`
	Repaired  map[string][]string `json:"repaired"`
	Recovered []string            `json:"recovered"`
	Failed    map[string]string   `json:"failed,omitempty"`
	Degraded  bool                `json:"degraded"`
	Halted    bool                `json:"halted"`
}

// Reconcile reads every degraded target of an entity, rewrites the fields
// that differ from the merged record and clears the degraded flag of the
// targets that were repaired. Reaching the failure threshold halts
// propagation for the entity until every degraded target recovers.
func (s *Service) Reconcile(ctx context.Context, entityId string) (*ReconcileReport, error) {
	entity, err := s.entities.Get(ctx, entityId)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{EntityId: entityId, Repaired: make(map[string][]string), Failed: make(map[string]string)}
	for _, target := range entity.DegradedTargets {
		fixed, err := s.reconcileTarget(ctx, entity, target)
		if err != nil {
			report.Failed[target] = err.Error()
			continue
		}
		report.Repaired[target] = fixed
		report.Recovered = append(report.Recovered, target)
	}

	var failures int
	var halted bool
	if err := s.onLane(ctx, entityId, func() {
		current, err := s.load(s.ctx, entityId)
		if err != nil {
			logger.Error("error in loading entity", zap.String("entityId", entityId), zap.Error(err))
			return
		}
		for _, target := range report.Recovered {
			current.ClearDegraded(target)
		}
		if len(report.Failed) > 0 {
			current.ReconcileFailures++
		}
		failures = current.ReconcileFailures
		threshold := s.conf.ReconcileFailureThreshold
		if threshold > 0 && failures >= threshold && !current.SyncHalted {
			current.SyncHalted = true
			halted = true
		}
		report.Degraded = current.SyncDegraded
		report.Halted = current.SyncHalted
		current.UpdatedAt = s.now()
		if err := s.entities.Save(s.ctx, current); err != nil {
			logger.Error("error in saving reconciled entity", zap.String("entityId", entityId), zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}

	if len(report.Failed) > 0 {
		logger.Warn("reconciliation failed", zap.String("entityId", entityId), zap.Any("failed", report.Failed), zap.Int("consecutiveFailures", failures))
		if halted {
			logger.Error("sync halted for entity", zap.String("severity", string(model.SEVERITY_CRITICAL)), zap.String("entityId", entityId), zap.Int("consecutiveFailures", failures))
			notify.Send(ctx, s.notifier, notify.Alert{
				Severity:  model.SEVERITY_CRITICAL,
				Component: COMPONENT,
				EntityId:  entityId,
				Message:   fmt.Sprintf("reconciliation failed %d consecutive times, sync halted for entity", failures),
			})
		}
	} else {
		logger.Info("entity reconciled", zap.String("entityId", entityId), zap.Any("repaired", report.Repaired))
	}
	return report, nil
}

func (s *Service) reconcileTarget(ctx context.Context, entity *model.EntityRecord, target string) ([]string, error) {
	a, ok := s.system(target)
	if !ok {
		return nil, fmt.Errorf("system %s is not registered", target)
	}
	remote, err := a.Read(ctx, entity.Id)
	if err != nil {
		return nil, err
	}
	var fixed []string
	for field, value := range entity.Fields {
		if entity.IsHeld(field) || sameValue(value, remote[field]) {
			continue
		}
		meta := entity.Meta[field]
		_, err := a.Write(ctx, adapter.WriteRequest{
			Token:    PropagationToken(entity.Id, field, meta.Version, target) + ":reconcile",
			Kind:     adapter.FIELD_SYNC,
			EntityId: entity.Id,
			Field:    field,
			Version:  meta.Version,
			Payload:  map[string]any{"value": value.Native(), "source": meta.Source},
		})
		if err != nil {
			return fixed, err
		}
		fixed = append(fixed, field)
	}
	return fixed, nil
}

func sameValue(local model.FieldValue, remote any) bool {
	rv, err := model.FromNative(remote)
	if err != nil {
		return false
	}
	if coerced, ok := rv.Coerce(local.Type); ok {
		rv = coerced
	}
	return local.Equal(rv)
}

func (s *Service) reconcileDegraded() {
	ids, err := s.entities.ListDegraded(s.ctx)
	if err != nil {
		logger.Error("error in listing degraded entities", zap.Error(err))
		return
	}
	for _, id := range ids {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.Reconcile(s.ctx, id); err != nil {
			logger.Error("error in reconciling entity", zap.String("entityId", id), zap.Error(err))
		}
	}
}
