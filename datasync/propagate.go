package datasync

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/retry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func PropagationToken(entityId, field string, version int64, system string) string {
	return fmt.Sprintf("%s:%s:%d:%s", entityId, field, version, system)
}

var errSuperseded = errors.New("superseded")

// propagate sends an accepted value to every registered system except
// source, one goroutine per target.
func (s *Service) propagate(entityId, field string, value model.FieldValue, version int64, source string) {
	started := s.now()
	for _, name := range s.Systems() {
		if name == source {
			continue
		}
		a, ok := s.system(name)
		if !ok {
			continue
		}
		s.propWg.Add(1)
		go func(target adapter.Adapter) {
			defer s.propWg.Done()
			s.propagateTo(target, PropagationToken(entityId, field, version, target.Name()), entityId, field, value, version, source, started)
		}(a)
	}
}

// repair sends the merged value of a field back to the source of a write
// that lost, stale or outvoted, so that system converges with the others.
func (s *Service) repair(ctx context.Context, entity *model.EntityRecord, w Write) error {
	target, ok := s.system(w.Source)
	if !ok {
		return nil
	}
	value := entity.Fields[w.Field]
	meta := entity.Meta[w.Field]
	if entity.SyncHalted {
		entity.MarkDegraded(w.Source)
		entity.UpdatedAt = s.now()
		if err := s.entities.Save(ctx, entity); err != nil {
			return errors.Wrapf(err, "save entity %s", entity.Id)
		}
		return nil
	}
	// one token per losing write, a later loss of the same source is sent again
	token := fmt.Sprintf("%s:repair:%d", PropagationToken(entity.Id, w.Field, meta.Version, w.Source), w.Timestamp.UnixNano())
	logger.Debug("repairing losing source", zap.String("entityId", entity.Id), zap.String("field", w.Field), zap.String("target", w.Source), zap.Int64("version", meta.Version))
	started := s.now()
	s.propWg.Add(1)
	go func() {
		defer s.propWg.Done()
		s.propagateTo(target, token, entity.Id, w.Field, value, meta.Version, meta.Source, started)
	}()
	return nil
}

// deferIfHalted reports whether propagation of the entity is halted. A
// halted entity flags every target but source degraded instead, and the
// reconciler brings them up to date once the halt is lifted.
func (s *Service) deferIfHalted(entity *model.EntityRecord, source string) bool {
	if !entity.SyncHalted {
		return false
	}
	for _, name := range s.Systems() {
		if name != source {
			entity.MarkDegraded(name)
		}
	}
	logger.Warn("propagation halted for entity", zap.String("entityId", entity.Id), zap.Strings("degradedTargets", entity.DegradedTargets))
	return true
}

func (s *Service) propagateTo(target adapter.Adapter, token, entityId, field string, value model.FieldValue, version int64, source string, started time.Time) {
	ctx := s.ctx
	req := adapter.WriteRequest{
		Token:    token,
		Kind:     adapter.FIELD_SYNC,
		EntityId: entityId,
		Field:    field,
		Version:  version,
		Payload:  map[string]any{"value": value.Native(), "source": source},
	}
	notifyRetry := retry.WithNotify(func(err error, attempt int, next time.Duration) {
		logger.Info("retrying propagation", zap.String("severity", string(model.SEVERITY_MEDIUM)), zap.String("entityId", entityId),
			zap.String("field", field), zap.String("target", target.Name()), zap.Int("attempt", attempt), zap.Duration("backoff", next), zap.Error(err))
	})
	opts := append([]retry.Option{notifyRetry}, s.retryOpts...)
	attempts, err := retry.Do(ctx, s.conf.PropagationRetry, func(ctx context.Context, attempt int) error {
		if s.superseded(ctx, entityId, field, version) {
			return retry.Permanent(errSuperseded)
		}
		_, err := target.Write(ctx, req)
		if adapter.IsTerminal(err) {
			return retry.Permanent(err)
		}
		return err
	}, opts...)
	elapsed := s.now().Sub(started)
	switch {
	case err == nil:
		if elapsed > s.conf.Window {
			logger.Warn("propagation exceeded sync window", zap.String("entityId", entityId), zap.String("field", field),
				zap.String("target", target.Name()), zap.Duration("elapsed", elapsed), zap.Duration("window", s.conf.Window))
		}
		logger.Debug("propagated write", zap.String("entityId", entityId), zap.String("field", field), zap.String("target", target.Name()), zap.Int64("version", version))
	case errors.Is(err, errSuperseded):
		logger.Debug("skipped superseded propagation", zap.String("entityId", entityId), zap.String("field", field), zap.String("target", target.Name()), zap.Int64("version", version))
	case ctx.Err() != nil:
		logger.Info("propagation cancelled", zap.String("entityId", entityId), zap.String("field", field), zap.String("target", target.Name()))
	default:
		s.degrade(entityId, target.Name(), model.SyncPersistentFailure{EntityId: entityId, Target: target.Name(), Err: err}, attempts)
	}
}

// superseded reports whether a newer version of the field was accepted, or
// the field is held by a conflict, since version was propagated.
func (s *Service) superseded(ctx context.Context, entityId, field string, version int64) bool {
	entity, err := s.entities.Get(ctx, entityId)
	if err != nil {
		return false
	}
	if _, held := entity.HeldFields[field]; held {
		return true
	}
	return entity.Meta[field].Version > version
}

func (s *Service) degrade(entityId, target string, failure model.SyncPersistentFailure, attempts int) {
	logger.Error("propagation failed persistently", zap.String("severity", string(model.SEVERITY_HIGH)), zap.String("entityId", entityId),
		zap.String("target", target), zap.Int("attempts", attempts), zap.Error(failure))
	err := s.onLane(s.ctx, entityId, func() {
		entity, err := s.load(s.ctx, entityId)
		if err != nil {
			logger.Error("error in loading entity", zap.String("entityId", entityId), zap.Error(err))
			return
		}
		entity.MarkDegraded(target)
		entity.UpdatedAt = s.now()
		if err := s.entities.Save(s.ctx, entity); err != nil {
			logger.Error("error in flagging entity sync degraded", zap.String("entityId", entityId), zap.Error(err))
		}
	})
	if err != nil {
		logger.Error("error in flagging entity sync degraded", zap.String("entityId", entityId), zap.Error(err))
	}
	notify.Send(s.ctx, s.notifier, notify.Alert{
		Severity:  model.SEVERITY_HIGH,
		Component: COMPONENT,
		EntityId:  entityId,
		Message:   fmt.Sprintf("entity is sync degraded, propagation to %s failed: %v", target, failure.Err),
	})
}
