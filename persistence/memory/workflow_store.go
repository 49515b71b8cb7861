package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
)

var _ persistence.WorkflowStore = new(workflowStore)

type workflowStore struct {
	mu       sync.RWMutex
	versions map[string]map[int]model.Workflow
	latest   map[string]int
	codec    util.Codec[model.Workflow]
}

func NewWorkflowStore() *workflowStore {
	return &workflowStore{
		versions: make(map[string]map[int]model.Workflow),
		latest:   make(map[string]int),
		codec:    util.NewJsonCodec[model.Workflow](),
	}
}

func (s *workflowStore) Save(ctx context.Context, wf model.Workflow) error {
	copied, err := util.Clone(s.codec, wf)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[wf.Id]; !ok {
		s.versions[wf.Id] = make(map[int]model.Workflow)
	}
	s.versions[wf.Id][wf.Version] = *copied
	if wf.Version >= s.latest[wf.Id] {
		s.latest[wf.Id] = wf.Version
	}
	return nil
}

func (s *workflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	version, ok := s.latest[id]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return s.GetVersion(ctx, id, version)
}

func (s *workflowStore) GetVersion(ctx context.Context, id string, version int) (*model.Workflow, error) {
	s.mu.RLock()
	wf, ok := s.versions[id][version]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return util.Clone(s.codec, wf)
}

func (s *workflowStore) List(ctx context.Context) ([]model.Workflow, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	out := make([]model.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, nil
}
