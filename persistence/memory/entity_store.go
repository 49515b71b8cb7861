package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
)

var _ persistence.EntityStore = new(entityStore)
var _ persistence.ConflictStore = new(conflictStore)

type entityStore struct {
	mu       sync.RWMutex
	entities map[string]model.EntityRecord
	codec    util.Codec[model.EntityRecord]
}

func NewEntityStore() *entityStore {
	return &entityStore{
		entities: make(map[string]model.EntityRecord),
		codec:    util.NewJsonCodec[model.EntityRecord](),
	}
}

func (s *entityStore) Get(ctx context.Context, id string) (*model.EntityRecord, error) {
	s.mu.RLock()
	rec, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return util.Clone(s.codec, rec)
}

func (s *entityStore) Save(ctx context.Context, entity *model.EntityRecord) error {
	copied, err := util.Clone(s.codec, *entity)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.Id] = *copied
	return nil
}

func (s *entityStore) ListDegraded(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.entities {
		if rec.SyncDegraded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type conflictStore struct {
	mu        sync.RWMutex
	conflicts map[string]model.ConflictRecord
	codec     util.Codec[model.ConflictRecord]
}

func NewConflictStore() *conflictStore {
	return &conflictStore{
		conflicts: make(map[string]model.ConflictRecord),
		codec:     util.NewJsonCodec[model.ConflictRecord](),
	}
}

func (s *conflictStore) Save(ctx context.Context, conflict *model.ConflictRecord) error {
	copied, err := util.Clone(s.codec, *conflict)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.Id] = *copied
	return nil
}

func (s *conflictStore) Get(ctx context.Context, id string) (*model.ConflictRecord, error) {
	s.mu.RLock()
	c, ok := s.conflicts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return util.Clone(s.codec, c)
}

func (s *conflictStore) ListPending(ctx context.Context) ([]model.ConflictRecord, error) {
	s.mu.RLock()
	var out []model.ConflictRecord
	for _, c := range s.conflicts {
		if c.Status == model.CONFLICT_PENDING {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	for i := range out {
		copied, err := util.Clone(s.codec, out[i])
		if err != nil {
			return nil, err
		}
		out[i] = *copied
	}
	return out, nil
}
