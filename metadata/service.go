package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/flowsync/filter"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrWorkflowExists = errors.New("workflow already exists")

// ValidationError lists every problem found in a workflow definition.
type ValidationError struct {
	Problems []string
}

func (e ValidationError) Error() string {
	return "invalid workflow: " + strings.Join(e.Problems, "; ")
}

// Targets resolves the adapter names an action may target.
type Targets interface {
	Names() []string
}

type MetadataService interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, wf model.Workflow) (*model.Workflow, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*model.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	GetWorkflowVersion(ctx context.Context, id string, version int) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]model.Workflow, error)
	// MatchingWorkflows returns the enabled workflows triggered by an event.
	MatchingWorkflows(ctx context.Context, event *model.Event) ([]model.Workflow, error)
	ValidateWorkflow(wf model.Workflow) error
}

type MetadataServiceImpl struct {
	store   persistence.WorkflowStore
	targets Targets
	// serializes read-modify-write of versions
	mu  sync.Mutex
	now func() time.Time
}

func NewMetadataService(store persistence.WorkflowStore, targets Targets) *MetadataServiceImpl {
	return &MetadataServiceImpl{
		store:   store,
		targets: targets,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MetadataServiceImpl) CreateWorkflow(ctx context.Context, wf model.Workflow) (*model.Workflow, error) {
	if err := s.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.Id == "" {
		wf.Id = uuid.NewString()
	} else if _, err := s.store.Get(ctx, wf.Id); err == nil {
		return nil, errors.Wrapf(ErrWorkflowExists, "workflow %s", wf.Id)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	now := s.now()
	wf.Version = 1
	wf.Enabled = true
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if err := s.store.Save(ctx, wf); err != nil {
		return nil, errors.Wrap(err, "save workflow")
	}
	logger.Info("workflow created", zap.String("workflowId", wf.Id), zap.String("name", wf.Name))
	return &wf, nil
}

// UpdateWorkflow stores the definition as the next version of id. The
// enabled flag is kept, it changes only through SetEnabled.
func (s *MetadataServiceImpl) UpdateWorkflow(ctx context.Context, id string, wf model.Workflow) (*model.Workflow, error) {
	if err := s.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Id = id
	wf.Version = current.Version + 1
	wf.Enabled = current.Enabled
	wf.CreatedAt = current.CreatedAt
	wf.UpdatedAt = s.now()
	if err := s.store.Save(ctx, wf); err != nil {
		return nil, errors.Wrap(err, "save workflow")
	}
	logger.Info("workflow updated", zap.String("workflowId", id), zap.Int("version", wf.Version))
	return &wf, nil
}

// SetEnabled soft enables or disables a workflow by storing a new version.
func (s *MetadataServiceImpl) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Enabled == enabled {
		return current, nil
	}
	next := *current
	next.Version++
	next.Enabled = enabled
	next.UpdatedAt = s.now()
	if err := s.store.Save(ctx, next); err != nil {
		return nil, errors.Wrap(err, "save workflow")
	}
	logger.Info("workflow enabled flag changed", zap.String("workflowId", id), zap.Bool("enabled", enabled), zap.Int("version", next.Version))
	return &next, nil
}

func (s *MetadataServiceImpl) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.store.Get(ctx, id)
}

func (s *MetadataServiceImpl) GetWorkflowVersion(ctx context.Context, id string, version int) (*model.Workflow, error) {
	return s.store.GetVersion(ctx, id, version)
}

func (s *MetadataServiceImpl) ListWorkflows(ctx context.Context) ([]model.Workflow, error) {
	return s.store.List(ctx)
}

func (s *MetadataServiceImpl) MatchingWorkflows(ctx context.Context, event *model.Event) ([]model.Workflow, error) {
	wfs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Workflow
	for _, wf := range wfs {
		if wf.Enabled && wf.Trigger.Matches(event) {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (s *MetadataServiceImpl) ValidateWorkflow(wf model.Workflow) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(wf.Name) == "" {
		addf("name is required")
	}
	if !wf.Trigger.EventType.Valid() {
		addf("trigger: unknown event type %q", wf.Trigger.EventType)
	}
	if err := filter.Validate(wf.Filters); err != nil {
		addf("%v", err)
	}
	switch wf.ErrorPolicy.OnFailure {
	case "", model.FAIL_ON_ERROR, model.ESCALATE_ON_ERROR:
	default:
		addf("errorPolicy: unknown onFailure %q", wf.ErrorPolicy.OnFailure)
	}
	if wf.ErrorPolicy.CriticalFailureThreshold < 0 {
		addf("errorPolicy: criticalFailureThreshold can not be negative")
	}
	if len(wf.Actions) == 0 {
		addf("at least one action is required")
	}
	earlier := make(map[string]bool)
	for i, act := range wf.Actions {
		if act.Name == "" {
			addf("action %d: name is required", i)
		} else if earlier[act.Name] {
			addf("action %d: duplicate name %q", i, act.Name)
		}
		for _, p := range s.validateAction(act, earlier) {
			addf("action %d (%s): %s", i, act.Name, p)
		}
		if act.Fallback != nil {
			if act.Fallback.Fallback != nil {
				addf("action %d (%s): fallback can not have its own fallback", i, act.Name)
			}
			for _, p := range s.validateAction(*act.Fallback, earlier) {
				addf("action %d (%s) fallback: %s", i, act.Name, p)
			}
		}
		earlier[act.Name] = true
	}
	if len(problems) > 0 {
		return ValidationError{Problems: problems}
	}
	return nil
}

func (s *MetadataServiceImpl) validateAction(act model.ActionDef, earlier map[string]bool) []string {
	var problems []string
	if !act.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown action type %q", act.Type))
	}
	if act.Type.NeedsTarget() {
		if act.Target == "" {
			problems = append(problems, "target is required")
		} else if !s.knownTarget(act.Target) {
			problems = append(problems, fmt.Sprintf("unknown target %q", act.Target))
		}
	}
	switch act.Type {
	case model.WAIT:
		if act.WaitMs <= 0 {
			problems = append(problems, "waitMs must be positive")
		}
	case model.TRANSFORM:
		if strings.TrimSpace(act.Script) == "" {
			problems = append(problems, "script is required")
		}
	}
	if act.Retry != nil {
		if err := act.Retry.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if act.TimeoutMs < 0 {
		problems = append(problems, "timeoutMs can not be negative")
	}
	if act.Cost < 0 {
		problems = append(problems, "cost can not be negative")
	}
	for _, ref := range util.References(act.Params) {
		if err := validateReference(ref, earlier); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

// validateReference accepts $.event.<field> and $.actions.<name>... where
// name is an action declared before the referencing one.
func validateReference(ref string, earlier map[string]bool) error {
	switch {
	case ref == "$.event" || strings.HasPrefix(ref, "$.event."):
		return nil
	case strings.HasPrefix(ref, "$.actions."):
		name, _, _ := strings.Cut(strings.TrimPrefix(ref, "$.actions."), ".")
		if !earlier[name] {
			return fmt.Errorf("reference %s does not name an earlier action", ref)
		}
		return nil
	default:
		return fmt.Errorf("reference %s must start with $.event or $.actions", ref)
	}
}

func (s *MetadataServiceImpl) knownTarget(name string) bool {
	if s.targets == nil {
		return true
	}
	for _, n := range s.targets.Names() {
		if n == name {
			return true
		}
	}
	return false
}
