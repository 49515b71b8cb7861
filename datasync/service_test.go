package datasync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/persistence/memory"
	"github.com/mohitkumar/flowsync/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc      *Service
	crm      *adapter.MemoryAdapter
	lms      *adapter.MemoryAdapter
	billing  *adapter.MemoryAdapter
	notifier *notify.MemoryNotifier
	timer    *retry.ImmediateTimer
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) harness {
	notifier := &notify.MemoryNotifier{}
	timer := retry.NewImmediateTimer()
	wg := &sync.WaitGroup{}
	svc := NewService(Config{
		Window:                    time.Minute,
		Lanes:                     4,
		CriticalFields:            []string{"payment_status"},
		ReconcileFailureThreshold: 2,
	}, memory.NewEntityStore(), memory.NewConflictStore(), notifier, wg, retry.WithTimer(timer))
	h := harness{
		svc:      svc,
		crm:      adapter.NewMemoryAdapter("crm"),
		lms:      adapter.NewMemoryAdapter("lms"),
		billing:  adapter.NewMemoryAdapter("billing"),
		notifier: notifier,
		timer:    timer,
	}
	svc.RegisterSystem("crm", h.crm)
	svc.RegisterSystem("lms", h.lms)
	svc.RegisterSystem("billing", h.billing)
	svc.Start()
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
		wg.Wait()
	})
	return h
}

func write(field string, value model.FieldValue, source string, at time.Time) Write {
	return Write{EntityId: "S1", Field: field, Value: value, Source: source, Timestamp: at}
}

func TestSynchronization(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h harness){
		"accepted write propagates to other systems":  testPropagation,
		"same value is unchanged":                     testUnchanged,
		"older write from same source is stale":       testStale,
		"later timestamp wins in any arrival order":   testLastWriterWins,
		"equal timestamps break ties by source":       testTieBreak,
		"critical conflict holds only its field":      testCriticalConflictIsolation,
		"manual resolution releases field":            testManualResolution,
		"persistent failure degrades then reconciles": testDegradeAndReconcile,
		"repeated reconcile failures are critical":    testReconcileThreshold,
		"writes of one entity are serialized":         testSerializedVersions,
		"newer version supersedes propagation":        testSuperseded,
		"outvoted source converges on winner":         testLosingSourceRepaired,
		"stale source converges on merged value":      testStaleSourceRepaired,
		"halted entity defers propagation":            testHaltDefersPropagation,
		"stop with writes in flight":                  testStopWithWritesInFlight,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func testPropagation(t *testing.T, h harness) {
	ctx := context.Background()
	out, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	require.Equal(t, ACCEPTED, out.Status)
	require.True(t, out.Applied)
	require.Equal(t, int64(1), out.Version)
	h.svc.WaitPropagation()

	require.Empty(t, h.crm.Applied())
	require.Equal(t, "active", h.lms.Record("S1")["status"])
	require.Equal(t, "active", h.billing.Record("S1")["status"])
	applied := h.lms.Applied()
	require.Len(t, applied, 1)
	require.Equal(t, "S1:status:1:lms", applied[0].Token)

	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, int64(1), entity.Version)
	require.Equal(t, "crm", entity.Meta["status"].Source)
}

func testUnchanged(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	out, err := h.svc.Propose(ctx, write("status", model.String("active"), "lms", base.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, UNCHANGED, out.Status)
	require.Equal(t, int64(1), out.Version)
}

func testStale(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	out, err := h.svc.Propose(ctx, write("status", model.String("pending"), "crm", base.Add(-time.Second)))
	require.NoError(t, err)
	require.Equal(t, STALE, out.Status)
	require.False(t, out.Applied)

	out, err = h.svc.Propose(ctx, write("status", model.String("pending"), "lms", base.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, STALE, out.Status)
}

func testLastWriterWins(t *testing.T, h harness) {
	ctx := context.Background()
	early := func(id string) Write {
		return Write{EntityId: id, Field: "email", Value: model.String("old@x.org"), Source: "crm", Timestamp: base}
	}
	late := func(id string) Write {
		return Write{EntityId: id, Field: "email", Value: model.String("new@x.org"), Source: "lms", Timestamp: base.Add(10 * time.Second)}
	}
	orders := map[string][]Write{
		"A": {early("A"), late("A")},
		"B": {late("B"), early("B")},
	}
	for id, writes := range orders {
		for _, w := range writes {
			_, err := h.svc.Propose(ctx, w)
			require.NoError(t, err)
		}
		entity, err := h.svc.GetEntity(ctx, id)
		require.NoError(t, err)
		require.True(t, entity.Fields["email"].Equal(model.String("new@x.org")), "order %s", id)
	}
	pending, err := h.svc.ListPendingConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testTieBreak(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("phone", model.String("1"), "lms", base))
	require.NoError(t, err)
	out, err := h.svc.Propose(ctx, write("phone", model.String("2"), "billing", base))
	require.NoError(t, err)
	require.Equal(t, CONFLICT_RESOLVED, out.Status)
	require.False(t, out.Applied)

	conflict, err := h.svc.GetConflict(ctx, out.ConflictId)
	require.NoError(t, err)
	require.Equal(t, model.CONFLICT_AUTO_RESOLVED, conflict.Status)
	require.Equal(t, model.LAST_WRITER_WINS, conflict.Strategy)
	require.True(t, conflict.Chosen.Equal(model.String("1")))
}

func testCriticalConflictIsolation(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("payment_status", model.String("paid"), "billing", base))
	require.NoError(t, err)
	out, err := h.svc.Propose(ctx, write("payment_status", model.String("refunded"), "crm", base.Add(5*time.Second)))
	require.NoError(t, err)
	require.Equal(t, HELD, out.Status)
	require.NotEmpty(t, out.ConflictId)

	out2, err := h.svc.Propose(ctx, write("payment_status", model.String("void"), "lms", base.Add(6*time.Second)))
	require.NoError(t, err)
	require.Equal(t, HELD, out2.Status)
	require.Equal(t, out.ConflictId, out2.ConflictId)

	other, err := h.svc.Propose(ctx, write("email", model.String("s1@x.org"), "crm", base.Add(7*time.Second)))
	require.NoError(t, err)
	require.Equal(t, ACCEPTED, other.Status)
	h.svc.WaitPropagation()
	require.Equal(t, "s1@x.org", h.lms.Record("S1")["email"])
	require.Equal(t, "s1@x.org", h.billing.Record("S1")["email"])

	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.True(t, entity.IsHeld("payment_status"))
	require.True(t, entity.Fields["payment_status"].Equal(model.String("paid")))

	pending, err := h.svc.ListPendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Candidates, 3)
	require.Equal(t, model.MANUAL, pending[0].Strategy)
	require.NotEmpty(t, h.notifier.BySeverity(model.SEVERITY_HIGH))
}

func testManualResolution(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("payment_status", model.String("paid"), "billing", base))
	require.NoError(t, err)
	out, err := h.svc.Propose(ctx, write("payment_status", model.String("refunded"), "crm", base.Add(time.Second)))
	require.NoError(t, err)
	h.svc.WaitPropagation()

	_, err = h.svc.ResolveConflict(ctx, out.ConflictId, Resolution{ResolvedBy: "admin"})
	require.ErrorAs(t, err, &InvalidResolutionError{})
	_, err = h.svc.ResolveConflict(ctx, out.ConflictId, Resolution{Source: "lms", ResolvedBy: "admin"})
	require.ErrorAs(t, err, &InvalidResolutionError{})

	resolved, err := h.svc.ResolveConflict(ctx, out.ConflictId, Resolution{Source: "crm", ResolvedBy: "admin"})
	require.NoError(t, err)
	require.Equal(t, model.CONFLICT_MANUALLY_RESOLVED, resolved.Status)
	require.Equal(t, "admin", resolved.ResolvedBy)
	require.True(t, resolved.Chosen.Equal(model.String("refunded")))
	h.svc.WaitPropagation()

	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.False(t, entity.IsHeld("payment_status"))
	require.Equal(t, int64(2), entity.Version)
	for _, a := range []*adapter.MemoryAdapter{h.crm, h.lms, h.billing} {
		require.Equal(t, "refunded", a.Record("S1")["payment_status"], a.Name())
	}

	_, err = h.svc.ResolveConflict(ctx, out.ConflictId, Resolution{Source: "crm"})
	require.ErrorIs(t, err, ErrConflictNotPending)

	next, err := h.svc.Propose(ctx, write("payment_status", model.String("paid"), "billing", base.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, ACCEPTED, next.Status)
}

func testDegradeAndReconcile(t *testing.T, h harness) {
	ctx := context.Background()
	h.lms.FailAlways(adapter.Retryable("lms", "unreachable", nil))
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	h.svc.WaitPropagation()

	require.Equal(t, "active", h.billing.Record("S1")["status"])
	require.Len(t, h.timer.Delays(), 4)
	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.True(t, entity.SyncDegraded)
	require.Equal(t, []string{"lms"}, entity.DegradedTargets)
	alerts := h.notifier.BySeverity(model.SEVERITY_HIGH)
	require.Len(t, alerts, 1)
	require.Equal(t, "S1", alerts[0].EntityId)

	h.lms.Heal()
	report, err := h.svc.Reconcile(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, []string{"lms"}, report.Recovered)
	require.Equal(t, []string{"status"}, report.Repaired["lms"])
	require.False(t, report.Degraded)
	require.Equal(t, "active", h.lms.Record("S1")["status"])

	entity, err = h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.False(t, entity.SyncDegraded)
	require.Empty(t, entity.DegradedTargets)
}

func testReconcileThreshold(t *testing.T, h harness) {
	ctx := context.Background()
	h.lms.FailAlways(adapter.Retryable("lms", "unreachable", nil))
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	h.svc.WaitPropagation()

	report, err := h.svc.Reconcile(ctx, "S1")
	require.NoError(t, err)
	require.Contains(t, report.Failed, "lms")
	require.True(t, report.Degraded)
	require.Empty(t, h.notifier.BySeverity(model.SEVERITY_CRITICAL))

	report, err = h.svc.Reconcile(ctx, "S1")
	require.NoError(t, err)
	require.True(t, report.Halted)
	critical := h.notifier.BySeverity(model.SEVERITY_CRITICAL)
	require.Len(t, critical, 1)
	require.Equal(t, "S1", critical[0].EntityId)

	for i := 0; i < 3; i++ {
		report, err = h.svc.Reconcile(ctx, "S1")
		require.NoError(t, err)
		require.True(t, report.Halted)
	}
	require.Len(t, h.notifier.BySeverity(model.SEVERITY_CRITICAL), 1)
	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.True(t, entity.SyncHalted)
}

func testSerializedVersions(t *testing.T, h harness) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Propose(ctx, write(fmt.Sprintf("f%d", i), model.Number(float64(i)), "crm", base))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, int64(40), entity.Version)
	require.Len(t, entity.Fields, 40)
	seen := map[int64]bool{}
	for _, meta := range entity.Meta {
		require.False(t, seen[meta.Version])
		seen[meta.Version] = true
	}
}

func testSuperseded(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("status", model.String("a"), "crm", base))
	require.NoError(t, err)
	_, err = h.svc.Propose(ctx, write("status", model.String("b"), "crm", base.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, h.svc.superseded(ctx, "S1", "status", 1))
	require.False(t, h.svc.superseded(ctx, "S1", "status", 2))
	h.svc.WaitPropagation()
	require.Equal(t, "b", h.lms.Record("S1")["status"])
}

func testLosingSourceRepaired(t *testing.T, h harness) {
	ctx := context.Background()
	out, err := h.svc.Propose(ctx, write("email", model.String("new@x.org"), "lms", base.Add(10*time.Second)))
	require.NoError(t, err)
	require.Equal(t, ACCEPTED, out.Status)
	h.svc.WaitPropagation()

	h.crm.Put("S1", "email", "old@x.org")
	out, err = h.svc.Propose(ctx, write("email", model.String("old@x.org"), "crm", base))
	require.NoError(t, err)
	require.Equal(t, CONFLICT_RESOLVED, out.Status)
	require.False(t, out.Applied)
	h.svc.WaitPropagation()

	for _, a := range []*adapter.MemoryAdapter{h.crm, h.lms, h.billing} {
		require.Equal(t, "new@x.org", a.Record("S1")["email"], a.Name())
	}
	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, int64(1), entity.Version)
}

func testStaleSourceRepaired(t *testing.T, h harness) {
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	h.svc.WaitPropagation()

	h.lms.Put("S1", "status", "pending")
	out, err := h.svc.Propose(ctx, write("status", model.String("pending"), "lms", base.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, STALE, out.Status)
	h.svc.WaitPropagation()
	for _, a := range []*adapter.MemoryAdapter{h.crm, h.lms, h.billing} {
		require.Equal(t, "active", a.Record("S1")["status"], a.Name())
	}

	h.lms.Put("S1", "status", "archived")
	_, err = h.svc.Propose(ctx, write("status", model.String("archived"), "lms", base.Add(-2*time.Hour)))
	require.NoError(t, err)
	h.svc.WaitPropagation()
	require.Equal(t, "active", h.lms.Record("S1")["status"])
}

func testHaltDefersPropagation(t *testing.T, h harness) {
	ctx := context.Background()
	h.lms.FailAlways(adapter.Retryable("lms", "unreachable", nil))
	_, err := h.svc.Propose(ctx, write("status", model.String("active"), "crm", base))
	require.NoError(t, err)
	h.svc.WaitPropagation()
	for i := 0; i < 2; i++ {
		_, err = h.svc.Reconcile(ctx, "S1")
		require.NoError(t, err)
	}
	require.Len(t, h.notifier.BySeverity(model.SEVERITY_CRITICAL), 1)

	billingWrites := len(h.billing.Applied())
	out, err := h.svc.Propose(ctx, write("email", model.String("s1@x.org"), "crm", base.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, ACCEPTED, out.Status)
	h.svc.WaitPropagation()
	require.Len(t, h.billing.Applied(), billingWrites)
	require.Nil(t, h.billing.Record("S1")["email"])
	entity, err := h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.True(t, entity.SyncHalted)
	require.ElementsMatch(t, []string{"lms", "billing"}, entity.DegradedTargets)

	h.lms.Heal()
	report, err := h.svc.Reconcile(ctx, "S1")
	require.NoError(t, err)
	require.False(t, report.Halted)
	require.False(t, report.Degraded)
	require.Equal(t, "s1@x.org", h.billing.Record("S1")["email"])
	require.Equal(t, "s1@x.org", h.lms.Record("S1")["email"])
	require.Equal(t, "active", h.lms.Record("S1")["status"])

	entity, err = h.svc.GetEntity(ctx, "S1")
	require.NoError(t, err)
	require.False(t, entity.SyncHalted)
	require.Zero(t, entity.ReconcileFailures)
	_, err = h.svc.Propose(ctx, write("phone", model.String("555"), "crm", base.Add(2*time.Second)))
	require.NoError(t, err)
	h.svc.WaitPropagation()
	require.Equal(t, "555", h.billing.Record("S1")["phone"])
	require.Len(t, h.notifier.BySeverity(model.SEVERITY_CRITICAL), 1)
}

func testStopWithWritesInFlight(t *testing.T, h harness) {
	ctx := context.Background()
	h.lms.SetLatency(5 * time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := Write{EntityId: fmt.Sprintf("S%d", i), Field: "status", Value: model.String("active"), Source: "crm", Timestamp: base}
			if _, err := h.svc.Propose(ctx, w); err != nil {
				assert.ErrorIs(t, err, ErrNotStarted)
			}
		}(i)
	}
	require.NoError(t, h.svc.Stop())
	wg.Wait()
	_, err := h.svc.Propose(ctx, write("status", model.String("a"), "crm", base))
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestProposeRequiresRunningService(t *testing.T) {
	svc := NewService(Config{}, memory.NewEntityStore(), memory.NewConflictStore(), nil, &sync.WaitGroup{})
	_, err := svc.Propose(context.Background(), write("status", model.String("a"), "crm", base))
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.Propose(context.Background(), Write{EntityId: "S1"})
	require.Error(t, err)
}
