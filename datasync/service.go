package datasync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/logger"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/partition"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/mohitkumar/flowsync/retry"
	"github.com/mohitkumar/flowsync/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const COMPONENT = "datasync"

type Config struct {
	Window                    time.Duration
	Lanes                     int
	LaneBuffer                int
	CriticalFields            []string
	ReconcileInterval         time.Duration
	ReconcileFailureThreshold int
	PropagationRetry          model.RetryPolicy
}

var ErrNotStarted = errors.New("synchronization service is not running")

// Service is the single writer of entity records. Writes of one entity are
// applied in order on the lane that owns the entity id.
type Service struct {
	conf      Config
	entities  persistence.EntityStore
	conflicts persistence.ConflictStore
	notifier  notify.Notifier
	retryOpts []retry.Option
	critical  map[string]bool
	ring      *partition.Ring
	lanes     []*util.Worker
	laneWg    sync.WaitGroup
	propWg    sync.WaitGroup
	wg        *sync.WaitGroup

	mu      sync.RWMutex
	systems map[string]adapter.Adapter
	running bool

	reconciler *util.TickWorker
	ctx        context.Context
	cancel     context.CancelFunc
	now        func() time.Time
}

type laneTask struct {
	entityId string
	run      func()
}

func NewService(conf Config, entities persistence.EntityStore, conflicts persistence.ConflictStore, notifier notify.Notifier, wg *sync.WaitGroup, retryOpts ...retry.Option) *Service {
	if conf.Window <= 0 {
		conf.Window = 60 * time.Second
	}
	if conf.Lanes <= 0 {
		conf.Lanes = 1
	}
	if conf.LaneBuffer <= 0 {
		conf.LaneBuffer = 256
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	critical := make(map[string]bool, len(conf.CriticalFields))
	for _, f := range conf.CriticalFields {
		critical[f] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		conf:      conf,
		entities:  entities,
		conflicts: conflicts,
		notifier:  notifier,
		retryOpts: retryOpts,
		critical:  critical,
		ring:      partition.NewRing(partition.RingConfig{Lanes: conf.Lanes}),
		wg:        wg,
		systems:   make(map[string]adapter.Adapter),
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < conf.Lanes; i++ {
		s.lanes = append(s.lanes, util.NewWorker(fmt.Sprintf("sync-lane-%d", i), &s.laneWg, s.handleLaneTask, conf.LaneBuffer, 1))
	}
	if conf.ReconcileInterval > 0 {
		s.reconciler = util.NewTickWorker("sync-reconciler", conf.ReconcileInterval, s.reconcileDegraded, wg)
	}
	return s
}

func (s *Service) handleLaneTask(task util.Task) error {
	t, ok := task.(*laneTask)
	if !ok {
		return fmt.Errorf("unexpected lane task %T", task)
	}
	t.run()
	return nil
}

// RegisterSystem adds a backing system that receives every accepted write
// proposed by another system.
func (s *Service) RegisterSystem(name string, a adapter.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[name] = a
	logger.Info("registered backing system", zap.String("system", name))
}

func (s *Service) Systems() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.systems))
	for name := range s.systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) system(name string) (adapter.Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.systems[name]
	return a, ok
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	for _, l := range s.lanes {
		l.Start()
	}
	if s.reconciler != nil {
		s.reconciler.Start()
	}
	s.running = true
	logger.Info("synchronization service started", zap.Int("lanes", len(s.lanes)), zap.Duration("window", s.conf.Window))
}

// Stop stops accepting writes, waits for the lanes, then cancels pending
// propagation and waits for it to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()
	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	// lanes start propagation, so they stop before propWg is awaited
	for _, l := range s.lanes {
		l.Stop()
	}
	s.laneWg.Wait()
	s.cancel()
	s.propWg.Wait()
	return nil
}

// WaitPropagation blocks until every propagation started so far completed.
func (s *Service) WaitPropagation() {
	s.propWg.Wait()
}

// onLane runs fn on the lane owning entityId and waits for it.
func (s *Service) onLane(ctx context.Context, entityId string, fn func()) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return ErrNotStarted
	}
	done := make(chan struct{})
	task := &laneTask{entityId: entityId, run: func() {
		defer close(done)
		fn()
	}}
	select {
	case s.lanes[s.ring.Lane(entityId)].Sender() <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrNotStarted
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		// queued after the lanes stopped
		return ErrNotStarted
	}
}

// Propose merges a field write into the entity record.
func (s *Service) Propose(ctx context.Context, w Write) (Outcome, error) {
	if w.EntityId == "" || w.Field == "" || w.Source == "" {
		return Outcome{}, fmt.Errorf("entity id, field and source are required")
	}
	if w.Timestamp.IsZero() {
		w.Timestamp = s.now()
	}
	w.Timestamp = w.Timestamp.UTC()
	var outcome Outcome
	var err error
	if laneErr := s.onLane(ctx, w.EntityId, func() {
		outcome, err = s.apply(s.ctx, w)
	}); laneErr != nil {
		return Outcome{}, laneErr
	}
	return outcome, err
}

func (s *Service) GetEntity(ctx context.Context, id string) (*model.EntityRecord, error) {
	return s.entities.Get(ctx, id)
}

func (s *Service) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	return s.conflicts.Get(ctx, id)
}

func (s *Service) ListPendingConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	return s.conflicts.ListPending(ctx)
}

func (s *Service) load(ctx context.Context, id string) (*model.EntityRecord, error) {
	entity, err := s.entities.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return model.NewEntityRecord(id), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load entity %s", id)
	}
	if entity.Fields == nil {
		entity.Fields = make(model.Fields)
	}
	if entity.Meta == nil {
		entity.Meta = make(map[string]model.FieldMeta)
	}
	if entity.HeldFields == nil {
		entity.HeldFields = make(map[string]string)
	}
	return entity, nil
}

// apply runs on the entity's lane.
func (s *Service) apply(ctx context.Context, w Write) (Outcome, error) {
	entity, err := s.load(ctx, w.EntityId)
	if err != nil {
		return Outcome{}, err
	}
	if conflictId, held := entity.HeldFields[w.Field]; held {
		return s.addCompetitor(ctx, entity, conflictId, w)
	}
	current, exists := entity.Fields[w.Field]
	meta := entity.Meta[w.Field]
	if exists && current.Equal(w.Value) {
		return Outcome{Status: UNCHANGED, Version: entity.Version}, nil
	}
	if exists && meta.Source != w.Source && within(meta.Timestamp, w.Timestamp, s.conf.Window) {
		return s.conflict(ctx, entity, current, meta, w)
	}
	if exists && w.Timestamp.Before(meta.Timestamp) {
		logger.Debug("rejected stale write", zap.String("entityId", w.EntityId), zap.String("field", w.Field), zap.String("source", w.Source),
			zap.Time("timestamp", w.Timestamp), zap.Time("current", meta.Timestamp))
		if err := s.repair(ctx, entity, w); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: STALE, Version: entity.Version}, nil
	}
	version, err := s.accept(ctx, entity, w.Field, w.Value, w.Source, w.Timestamp)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: ACCEPTED, Applied: true, Version: version}, nil
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// accept writes a value, bumps the entity version and starts propagation to
// every system except the source.
func (s *Service) accept(ctx context.Context, entity *model.EntityRecord, field string, value model.FieldValue, source string, at time.Time) (int64, error) {
	entity.Version++
	entity.Fields[field] = value
	entity.Meta[field] = model.FieldMeta{Source: source, Timestamp: at, Version: entity.Version}
	entity.UpdatedAt = s.now()
	halted := s.deferIfHalted(entity, source)
	if err := s.entities.Save(ctx, entity); err != nil {
		return 0, errors.Wrapf(err, "save entity %s", entity.Id)
	}
	logger.Debug("accepted write", zap.String("entityId", entity.Id), zap.String("field", field), zap.String("source", source), zap.Int64("version", entity.Version))
	if !halted {
		s.propagate(entity.Id, field, value, entity.Version, source)
	}
	return entity.Version, nil
}

func (s *Service) conflict(ctx context.Context, entity *model.EntityRecord, current model.FieldValue, meta model.FieldMeta, w Write) (Outcome, error) {
	existing := model.Candidate{Source: meta.Source, Value: current, Timestamp: meta.Timestamp}
	incoming := model.Candidate{Source: w.Source, Value: w.Value, Timestamp: w.Timestamp}
	record := &model.ConflictRecord{
		Id:         uuid.NewString(),
		EntityId:   entity.Id,
		Field:      w.Field,
		Candidates: []model.Candidate{existing, incoming},
		CreatedAt:  s.now(),
	}
	if s.critical[w.Field] {
		record.Status = model.CONFLICT_PENDING
		record.Strategy = model.MANUAL
		if err := s.conflicts.Save(ctx, record); err != nil {
			return Outcome{}, errors.Wrap(err, "save conflict")
		}
		entity.HeldFields[w.Field] = record.Id
		entity.UpdatedAt = s.now()
		if err := s.entities.Save(ctx, entity); err != nil {
			return Outcome{}, errors.Wrapf(err, "save entity %s", entity.Id)
		}
		logger.Warn("critical field held for manual resolution", zap.String("severity", string(model.SEVERITY_HIGH)),
			zap.Error(model.SyncConflictError{EntityId: entity.Id, Field: w.Field, ConflictId: record.Id}))
		notify.Send(ctx, s.notifier, notify.Alert{
			Severity:  model.SEVERITY_HIGH,
			Component: COMPONENT,
			EntityId:  entity.Id,
			Message:   fmt.Sprintf("conflict %s on critical field %s needs manual resolution", record.Id, w.Field),
		})
		return Outcome{Status: HELD, Version: entity.Version, ConflictId: record.Id}, nil
	}

	winner := lastWriter(existing, incoming)
	chosen := winner.Value
	resolvedAt := s.now()
	record.Status = model.CONFLICT_AUTO_RESOLVED
	record.Strategy = model.LAST_WRITER_WINS
	record.Chosen = &chosen
	record.ResolvedAt = &resolvedAt
	record.ResolvedBy = string(model.LAST_WRITER_WINS)
	if err := s.conflicts.Save(ctx, record); err != nil {
		return Outcome{}, errors.Wrap(err, "save conflict")
	}
	logger.Info("conflict auto resolved", zap.String("entityId", entity.Id), zap.String("field", w.Field), zap.String("conflictId", record.Id), zap.String("winner", winner.Source))
	if winner.Source != w.Source {
		if err := s.repair(ctx, entity, w); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: CONFLICT_RESOLVED, Version: entity.Version, ConflictId: record.Id}, nil
	}
	version, err := s.accept(ctx, entity, w.Field, w.Value, w.Source, w.Timestamp)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: CONFLICT_RESOLVED, Applied: true, Version: version, ConflictId: record.Id}, nil
}

// lastWriter picks the later candidate. Equal timestamps go to the greater
// source name so every arrival order yields the same winner.
func lastWriter(a, b model.Candidate) model.Candidate {
	if a.Timestamp.After(b.Timestamp) {
		return a
	}
	if b.Timestamp.After(a.Timestamp) {
		return b
	}
	if a.Source > b.Source {
		return a
	}
	return b
}

func (s *Service) addCompetitor(ctx context.Context, entity *model.EntityRecord, conflictId string, w Write) (Outcome, error) {
	record, err := s.conflicts.Get(ctx, conflictId)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "load conflict %s", conflictId)
	}
	record.Candidates = append(record.Candidates, model.Candidate{Source: w.Source, Value: w.Value, Timestamp: w.Timestamp})
	if err := s.conflicts.Save(ctx, record); err != nil {
		return Outcome{}, errors.Wrap(err, "save conflict")
	}
	logger.Info("write added to pending conflict", zap.String("entityId", entity.Id), zap.String("field", w.Field), zap.String("conflictId", conflictId), zap.String("source", w.Source))
	return Outcome{Status: HELD, Version: entity.Version, ConflictId: conflictId}, nil
}
