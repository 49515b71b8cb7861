package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	c "github.com/patrickmn/go-cache"
)

const ALL_WORKFLOWS_KEY = "__all__"

var _ persistence.WorkflowStore = new(CachedWorkflowStore)

// CachedWorkflowStore is a read-through cache in front of a WorkflowStore.
// Saving a workflow evicts its latest version and the listing.
type CachedWorkflowStore struct {
	store persistence.WorkflowStore
	cache *c.Cache
}

func NewCachedWorkflowStore(store persistence.WorkflowStore, ttl time.Duration) *CachedWorkflowStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedWorkflowStore{
		store: store,
		cache: c.New(ttl, 10*time.Minute),
	}
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func (s *CachedWorkflowStore) Save(ctx context.Context, wf model.Workflow) error {
	if err := s.store.Save(ctx, wf); err != nil {
		return err
	}
	s.cache.Delete(wf.Id)
	s.cache.Delete(ALL_WORKFLOWS_KEY)
	return nil
}

func (s *CachedWorkflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	if wf, found := s.cache.Get(id); found {
		copied := wf.(model.Workflow)
		return &copied, nil
	}
	wf, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, *wf)
	return wf, nil
}

// GetVersion caches versions without expiry, a stored version never changes.
func (s *CachedWorkflowStore) GetVersion(ctx context.Context, id string, version int) (*model.Workflow, error) {
	key := versionKey(id, version)
	if wf, found := s.cache.Get(key); found {
		copied := wf.(model.Workflow)
		return &copied, nil
	}
	wf, err := s.store.GetVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, *wf, c.NoExpiration)
	return wf, nil
}

func (s *CachedWorkflowStore) List(ctx context.Context) ([]model.Workflow, error) {
	if wfs, found := s.cache.Get(ALL_WORKFLOWS_KEY); found {
		list := wfs.([]model.Workflow)
		out := make([]model.Workflow, len(list))
		copy(out, list)
		return out, nil
	}
	wfs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(ALL_WORKFLOWS_KEY, wfs)
	out := make([]model.Workflow, len(wfs))
	copy(out, wfs)
	return out, nil
}
