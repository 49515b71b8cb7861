package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
)

var _ persistence.ExecutionStore = new(executionStore)

type executionStore struct {
	mu         sync.RWMutex
	executions map[string]model.WorkflowExecution
	byEvent    map[string]string
	codec      util.Codec[model.WorkflowExecution]
}

func NewExecutionStore() *executionStore {
	return &executionStore{
		executions: make(map[string]model.WorkflowExecution),
		byEvent:    make(map[string]string),
		codec:      util.NewJsonCodec[model.WorkflowExecution](),
	}
}

func eventKey(workflowId, eventId string) string {
	return workflowId + "|" + eventId
}

func (s *executionStore) Create(ctx context.Context, exec *model.WorkflowExecution) (bool, error) {
	copied, err := util.Clone(s.codec, *exec)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(exec.WorkflowId, exec.EventId)
	if _, exists := s.byEvent[key]; exists {
		return false, nil
	}
	s.byEvent[key] = exec.Id
	s.executions[exec.Id] = *copied
	return true, nil
}

func (s *executionStore) Update(ctx context.Context, exec *model.WorkflowExecution) error {
	copied, err := util.Clone(s.codec, *exec)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.Id]
	if !ok {
		return persistence.ErrNotFound
	}
	if stored.Status.IsTerminal() {
		return persistence.ErrTerminalExecution
	}
	s.executions[exec.Id] = *copied
	return nil
}

func (s *executionStore) Get(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	s.mu.RLock()
	exec, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return util.Clone(s.codec, exec)
}

func (s *executionStore) List(ctx context.Context, query model.ExecutionQuery) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	var out []model.WorkflowExecution
	for _, exec := range s.executions {
		e := exec
		if query.Matches(&e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sortByStart(out)
	out = persistence.Limit(out, query.Limit)
	for i := range out {
		copied, err := util.Clone(s.codec, out[i])
		if err != nil {
			return nil, err
		}
		out[i] = *copied
	}
	return out, nil
}

func (s *executionStore) ListRunning(ctx context.Context) ([]model.WorkflowExecution, error) {
	return s.List(ctx, model.ExecutionQuery{Status: model.RUNNING})
}

func sortByStart(execs []model.WorkflowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].StartedAt.Equal(execs[j].StartedAt) {
			return execs[i].Id < execs[j].Id
		}
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
}
