package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/action"
	"github.com/mohitkumar/flowsync/adapter"
	"github.com/mohitkumar/flowsync/analytics"
	"github.com/mohitkumar/flowsync/datasync"
	"github.com/mohitkumar/flowsync/engine"
	"github.com/mohitkumar/flowsync/metadata"
	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/notify"
	"github.com/mohitkumar/flowsync/persistence/memory"
	"github.com/mohitkumar/flowsync/retry"
	"github.com/mohitkumar/flowsync/trigger"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server *Server
	sync   *datasync.Service
	email  *adapter.MemoryAdapter
}

func newHarness(t *testing.T) harness {
	wg := &sync.WaitGroup{}
	timer := retry.NewImmediateTimer()
	crm := adapter.NewMemoryAdapter("crm")
	billing := adapter.NewMemoryAdapter("billing")
	email := adapter.NewMemoryAdapter("email")
	registry := adapter.NewRegistry()
	for _, a := range []*adapter.MemoryAdapter{crm, billing, email} {
		registry.Register(a)
	}
	notifier := &notify.MemoryNotifier{}
	syncService := datasync.NewService(datasync.Config{Window: time.Minute, Lanes: 2, CriticalFields: []string{"payment_status"}},
		memory.NewEntityStore(), memory.NewConflictStore(), notifier, wg, retry.WithTimer(timer))
	syncService.RegisterSystem("crm", crm)
	syncService.RegisterSystem("billing", billing)
	syncService.Start()

	aggregator := analytics.NewAggregator()
	collector := analytics.NewCollector(analytics.CollectorConfig{Buffer: 128, RetryInterval: time.Hour}, []analytics.Sink{aggregator}, wg)
	collector.Start()

	metadataService := metadata.NewMetadataService(memory.NewWorkflowStore(), registry)
	executor := action.NewExecutor(registry, syncService, collector, retry.WithTimer(timer))
	events := memory.NewEventStore()
	flowEngine := engine.NewFlowEngine(engine.Config{Workers: 2, EventBuffer: 16}, metadataService, memory.NewExecutionStore(), events, executor, notifier, collector, wg)
	flowEngine.Start()
	receiver := trigger.NewReceiver(events, flowEngine, time.Hour)

	server, err := NewServer(0, receiver, metadataService, flowEngine, syncService, aggregator)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, flowEngine.Stop())
		require.NoError(t, syncService.Stop())
		require.NoError(t, collector.Stop())
		wg.Wait()
	})
	return harness{server: server, sync: syncService, email: email}
}

func (h harness) do(t *testing.T, method, path string, body any, out any) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func welcomeWorkflow() model.Workflow {
	return model.Workflow{
		Id:      "welcome",
		Name:    "welcome on payment",
		Trigger: model.Trigger{Source: "stripe", EventType: model.PAYMENT},
		Filters: []model.Predicate{{Field: "amount", Operator: model.GREATER_THAN, Value: 0.0}},
		Actions: []model.ActionDef{
			{Name: "welcome", Type: model.SEND_MESSAGE, Target: "email", Params: map[string]any{"to": "{$.event.studentId}", "body": "Welcome"}},
		},
	}
}

func TestServer(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h harness){
		"event runs matching workflow":           testEventRunsWorkflow,
		"malformed event is rejected":            testMalformedEvent,
		"duplicate event is acknowledged":        testDuplicateEvent,
		"workflow lifecycle":                     testWorkflowLifecycle,
		"invalid workflow is rejected":           testInvalidWorkflow,
		"unknown resources are not found":        testNotFound,
		"execution query is validated":           testExecutionQuery,
		"conflicts are listed and resolved":      testResolveConflict,
		"entity is fetched and reconciled":       testEntity,
		"analytics summary counts executions":    testAnalyticsSummary,
		"terminal execution cannot be cancelled": testCancelTerminal,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newHarness(t))
		})
	}
}

func (h harness) ingestPayment(t *testing.T, externalId string) trigger.Receipt {
	var receipt trigger.Receipt
	code := h.do(t, http.MethodPost, "/events", model.RawEvent{
		Source:     "stripe",
		EventType:  model.PAYMENT,
		ExternalId: externalId,
		Payload:    map[string]any{"studentId": "S1", "amount": 100},
	}, &receipt)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, receipt.EventId)
	return receipt
}

func (h harness) waitForExecution(t *testing.T, workflowId string) model.WorkflowExecution {
	var execs []model.WorkflowExecution
	require.Eventually(t, func() bool {
		execs = nil
		code := h.do(t, http.MethodGet, "/executions?workflowId="+workflowId+"&status=succeeded", nil, &execs)
		return code == http.StatusOK && len(execs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return execs[0]
}

func testEventRunsWorkflow(t *testing.T, h harness) {
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/workflows", welcomeWorkflow(), nil))
	receipt := h.ingestPayment(t, "pi_1")
	exec := h.waitForExecution(t, "welcome")
	require.Equal(t, receipt.EventId, exec.EventId)

	var fetched model.WorkflowExecution
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/executions/"+exec.Id, nil, &fetched))
	require.Len(t, fetched.Results, 1)
	require.Equal(t, model.RESULT_SUCCEEDED, fetched.Results[0].Status)
	require.Len(t, h.email.Applied(), 1)
}

func testMalformedEvent(t *testing.T, h harness) {
	var body map[string]string
	code := h.do(t, http.MethodPost, "/events", model.RawEvent{Source: "stripe", EventType: model.PAYMENT, Payload: map[string]any{"amount": "lots"}}, &body)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, body["error"], "amount")

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func testDuplicateEvent(t *testing.T, h harness) {
	first := h.ingestPayment(t, "pi_2")
	require.False(t, first.Duplicate)
	second := h.ingestPayment(t, "pi_2")
	require.True(t, second.Duplicate)
	require.Equal(t, first.EventId, second.EventId)
}

func testWorkflowLifecycle(t *testing.T, h harness) {
	var created model.Workflow
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/workflows", welcomeWorkflow(), &created))
	require.Equal(t, 1, created.Version)
	require.True(t, created.Enabled)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/workflows", welcomeWorkflow(), nil))

	update := welcomeWorkflow()
	update.Name = "welcome v2"
	var updated model.Workflow
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/workflows/welcome", update, &updated))
	require.Equal(t, 2, updated.Version)

	var disabled model.Workflow
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/workflows/welcome/disable", nil, &disabled))
	require.False(t, disabled.Enabled)
	require.Equal(t, 3, disabled.Version)

	var enabled model.Workflow
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/workflows/welcome/enable", nil, &enabled))
	require.True(t, enabled.Enabled)

	var fetched model.Workflow
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/workflows/welcome", nil, &fetched))
	require.Equal(t, "welcome v2", fetched.Name)
	require.Equal(t, 4, fetched.Version)

	var all []model.Workflow
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/workflows", nil, &all))
	require.Len(t, all, 1)
}

func testInvalidWorkflow(t *testing.T, h harness) {
	wf := welcomeWorkflow()
	wf.Actions[0].Target = "fax"
	var body map[string]string
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/workflows", wf, &body))
	require.Contains(t, body["error"], "fax")
}

func testNotFound(t *testing.T, h harness) {
	for _, path := range []string{"/workflows/missing", "/executions/missing", "/entities/missing"} {
		require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, path, nil, nil), path)
	}
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/executions/missing/cancel", nil, nil))
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/conflicts/missing/resolve", map[string]any{"source": "crm", "resolvedBy": "ops"}, nil))
}

func testExecutionQuery(t *testing.T, h harness) {
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/executions?status=paused", nil, nil))
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/executions?from=yesterday", nil, nil))
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/executions?limit=-1", nil, nil))
	var execs []model.WorkflowExecution
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/executions?from=2024-01-01T00:00:00Z&limit=5", nil, &execs))
	require.Empty(t, execs)
}

func testResolveConflict(t *testing.T, h harness) {
	ctx := context.Background()
	base := time.Now().UTC()
	_, err := h.sync.Propose(ctx, datasync.Write{EntityId: "S1", Field: "payment_status", Value: model.String("paid"), Source: "billing", Timestamp: base})
	require.NoError(t, err)
	out, err := h.sync.Propose(ctx, datasync.Write{EntityId: "S1", Field: "payment_status", Value: model.String("refunded"), Source: "crm", Timestamp: base.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, datasync.HELD, out.Status)

	var pending []model.ConflictRecord
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/conflicts", nil, &pending))
	require.Len(t, pending, 1)
	require.Equal(t, out.ConflictId, pending[0].Id)

	path := "/conflicts/" + out.ConflictId + "/resolve"
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, path, map[string]any{"resolvedBy": "ops"}, nil))

	var resolved model.ConflictRecord
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, path, map[string]any{"value": "refunded", "resolvedBy": "ops"}, &resolved))
	require.Equal(t, model.CONFLICT_MANUALLY_RESOLVED, resolved.Status)
	require.True(t, resolved.Chosen.Equal(model.String("refunded")))
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, path, map[string]any{"source": "crm", "resolvedBy": "ops"}, nil))

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/conflicts", nil, &pending))
	require.Empty(t, pending)
}

func testEntity(t *testing.T, h harness) {
	_, err := h.sync.Propose(context.Background(), datasync.Write{EntityId: "S2", Field: "status", Value: model.String("active"), Source: "crm", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	h.sync.WaitPropagation()

	var entity model.EntityRecord
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/entities/S2", nil, &entity))
	require.Equal(t, int64(1), entity.Version)
	require.True(t, entity.Fields["status"].Equal(model.String("active")))

	var report datasync.ReconcileReport
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/entities/S2/reconcile", nil, &report))
	require.Equal(t, "S2", report.EntityId)
	require.False(t, report.Degraded)
}

func testAnalyticsSummary(t *testing.T, h harness) {
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/workflows", welcomeWorkflow(), nil))
	h.ingestPayment(t, "pi_3")
	h.waitForExecution(t, "welcome")

	require.Eventually(t, func() bool {
		var summary analytics.Summary
		code := h.do(t, http.MethodGet, "/analytics/summary", nil, &summary)
		return code == http.StatusOK && summary.Executions["welcome"][model.SUCCEEDED] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func testCancelTerminal(t *testing.T, h harness) {
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/workflows", welcomeWorkflow(), nil))
	h.ingestPayment(t, "pi_4")
	exec := h.waitForExecution(t, "welcome")
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/executions/"+exec.Id+"/cancel", nil, nil))
}
