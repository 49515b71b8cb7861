package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DEFAULT_DEDUP_WINDOW = 24 * time.Hour
const DEFAULT_REDISPATCH_INTERVAL = 30 * time.Second

// Dispatcher hands accepted events to the engine.
type Dispatcher interface {
	Submit(ctx context.Context, event *model.Event) error
}

type Receipt struct {
	EventId   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
}

type Receiver struct {
	store      persistence.EventStore
	dispatcher Dispatcher
	window     time.Duration
	now        func() time.Time

	mu           sync.Mutex
	redispatcher *util.TickWorker
}

func NewReceiver(store persistence.EventStore, dispatcher Dispatcher, window time.Duration) *Receiver {
	if window <= 0 {
		window = DEFAULT_DEDUP_WINDOW
	}
	return &Receiver{
		store:      store,
		dispatcher: dispatcher,
		window:     window,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Receive validates, normalizes and persists an inbound event, then hands it
// to the engine. Duplicates inside the dedup window are acknowledged with the
// original event id. They are dispatched again only while the original is
// still pending, which covers a delivery whose first dispatch failed.
func (r *Receiver) Receive(ctx context.Context, raw model.RawEvent) (Receipt, error) {
	event, err := Normalize(raw, r.now())
	if err != nil {
		logger.Warn("dropping malformed event", zap.String("source", raw.Source), zap.String("eventType", string(raw.EventType)), zap.Error(err))
		return Receipt{}, err
	}
	stored, saved, err := r.store.SaveIfAbsent(ctx, event, r.window)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "persist event")
	}
	if !saved {
		logger.Info("duplicate event", zap.String("source", raw.Source), zap.String("idempotencyKey", event.IdempotencyKey), zap.String("eventId", stored.Id))
		pending, err := r.store.IsPending(ctx, stored.Id)
		if err != nil {
			return Receipt{}, errors.Wrap(err, "check pending event")
		}
		if pending {
			if err := r.dispatch(ctx, stored); err != nil {
				return Receipt{}, err
			}
		}
		return Receipt{EventId: stored.Id, Duplicate: true}, nil
	}
	if err := r.dispatch(ctx, stored); err != nil {
		return Receipt{}, err
	}
	logger.Debug("event accepted", zap.String("eventId", stored.Id), zap.String("source", stored.Source), zap.String("eventType", string(stored.Type)))
	return Receipt{EventId: stored.Id}, nil
}

func (r *Receiver) dispatch(ctx context.Context, event *model.Event) error {
	if err := r.dispatcher.Submit(ctx, event); err != nil {
		logger.Error("error in dispatching event", zap.String("eventId", event.Id), zap.Error(err))
		return errors.Wrap(err, "dispatch event")
	}
	return nil
}

// Redispatch submits every event still pending that was received more than
// grace ago. It stops at the first dispatch error and returns how many
// events were submitted.
func (r *Receiver) Redispatch(ctx context.Context, grace time.Duration) (int, error) {
	events, err := r.store.ListPending(ctx, r.now().Add(-grace))
	if err != nil {
		return 0, errors.Wrap(err, "list pending events")
	}
	for i := range events {
		if err := r.dispatch(ctx, &events[i]); err != nil {
			return i, err
		}
	}
	if len(events) > 0 {
		logger.Info("pending events dispatched again", zap.Int("count", len(events)))
	}
	return len(events), nil
}

// StartRedispatch periodically dispatches events that stayed pending for a
// full interval, such as those lost from the engine queue on a restart.
func (r *Receiver) StartRedispatch(interval time.Duration, wg *sync.WaitGroup) {
	if interval <= 0 {
		interval = DEFAULT_REDISPATCH_INTERVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redispatcher != nil {
		return
	}
	r.redispatcher = util.NewTickWorker("event-redispatcher", interval, func() {
		if _, err := r.Redispatch(context.Background(), interval); err != nil {
			logger.Error("error in dispatching pending events", zap.Error(err))
		}
	}, wg)
	r.redispatcher.Start()
}

func (r *Receiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redispatcher != nil {
		r.redispatcher.Stop()
	}
	return nil
}

// Normalize turns a raw event into an immutable Event or a
// MalformedEventError.
func Normalize(raw model.RawEvent, receivedAt time.Time) (*model.Event, error) {
	malformed := func(format string, args ...any) error {
		return model.MalformedEventError{Source: raw.Source, Reason: fmt.Sprintf(format, args...)}
	}
	if raw.Source == "" {
		return nil, malformed("source is required")
	}
	if !raw.EventType.Valid() {
		return nil, malformed("unknown event type %q", raw.EventType)
	}
	fields, err := model.FlattenPayload(raw.Payload)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if err := validateSchema(raw.EventType, fields); err != nil {
		return nil, malformed("%v", err)
	}
	key, err := IdempotencyKey(raw)
	if err != nil {
		return nil, malformed("%v", err)
	}
	return &model.Event{
		Id:             uuid.NewString(),
		Source:         raw.Source,
		Type:           raw.EventType,
		ExternalId:     raw.ExternalId,
		IdempotencyKey: key,
		Fields:         fields,
		ReceivedAt:     receivedAt,
	}, nil
}

// IdempotencyKey is source:externalId when the source supplies an id and
// source:sha256(canonical payload) otherwise.
func IdempotencyKey(raw model.RawEvent) (string, error) {
	if raw.ExternalId != "" {
		return raw.Source + ":" + raw.ExternalId, nil
	}
	payload := raw.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json writes map keys sorted, which makes the encoding canonical
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return raw.Source + ":" + hex.EncodeToString(sum[:]), nil
}
