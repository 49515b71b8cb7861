package memory

import (
	"context"
	"sort"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/patrickmn/go-cache"
)

var _ persistence.EventStore = new(eventStore)

// eventStore keeps events for their dedup window. go-cache Add gives the
// set-if-absent semantics of the idempotency index.
type eventStore struct {
	keys    *cache.Cache
	events  *cache.Cache
	pending *cache.Cache
}

func NewEventStore() *eventStore {
	return &eventStore{
		keys:    cache.New(cache.NoExpiration, 10*time.Minute),
		events:  cache.New(cache.NoExpiration, 10*time.Minute),
		pending: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

func (s *eventStore) SaveIfAbsent(ctx context.Context, event *model.Event, window time.Duration) (*model.Event, bool, error) {
	copied := *event
	copied.Fields = event.Fields.Clone()
	s.events.Set(event.Id, copied, window)
	if err := s.keys.Add(event.IdempotencyKey, event.Id, window); err != nil {
		if id, found := s.keys.Get(event.IdempotencyKey); found {
			if original, ok := s.events.Get(id.(string)); ok {
				s.events.Delete(event.Id)
				ev := original.(model.Event)
				return &ev, false, nil
			}
		}
		s.keys.Set(event.IdempotencyKey, event.Id, window)
	}
	s.pending.Set(event.Id, copied.ReceivedAt, window)
	return &copied, true, nil
}

func (s *eventStore) Get(ctx context.Context, id string) (*model.Event, error) {
	ev, found := s.events.Get(id)
	if !found {
		return nil, persistence.ErrNotFound
	}
	e := ev.(model.Event)
	return &e, nil
}

func (s *eventStore) MarkHandled(ctx context.Context, id string) error {
	s.pending.Delete(id)
	return nil
}

func (s *eventStore) IsPending(ctx context.Context, id string) (bool, error) {
	_, found := s.pending.Get(id)
	return found, nil
}

func (s *eventStore) ListPending(ctx context.Context, receivedBefore time.Time) ([]model.Event, error) {
	var out []model.Event
	for id := range s.pending.Items() {
		ev, found := s.events.Get(id)
		if !found {
			s.pending.Delete(id)
			continue
		}
		e := ev.(model.Event)
		if e.ReceivedAt.Before(receivedBefore) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
