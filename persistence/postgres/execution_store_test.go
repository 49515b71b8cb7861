package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/model"
	"github.com/mohitkumar/flowsync/persistence"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) *ExecutionStore {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15",
		tcpostgres.WithDatabase("flowsync"),
		tcpostgres.WithUsername("flowsync"),
		tcpostgres.WithPassword("flowsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	store, err := NewExecutionStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestExecutionStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	exec := &model.WorkflowExecution{Id: "x1", WorkflowId: "wf", WorkflowVersion: 2, EventId: "e1", Status: model.RUNNING, StartedAt: started}
	created, err := store.Create(ctx, exec)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.Create(ctx, &model.WorkflowExecution{Id: "x2", WorkflowId: "wf", EventId: "e1", Status: model.RUNNING, StartedAt: started})
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, exec.AppendResult(model.ActionResult{Name: "charge", Status: model.RESULT_SUCCEEDED, Attempts: 2}))
	require.NoError(t, exec.Finish(model.SUCCEEDED, started.Add(time.Second)))
	require.NoError(t, store.Update(ctx, exec))

	exec.Status = model.FAILED
	require.ErrorIs(t, store.Update(ctx, exec), persistence.ErrTerminalExecution)
	require.ErrorIs(t, store.Update(ctx, &model.WorkflowExecution{Id: "nope", StartedAt: started}), persistence.ErrNotFound)

	stored, err := store.Get(ctx, "x1")
	require.NoError(t, err)
	require.Equal(t, model.SUCCEEDED, stored.Status)
	require.Equal(t, 2, stored.WorkflowVersion)
	require.Len(t, stored.Results, 1)
	require.Equal(t, 2, stored.Results[0].Attempts)
	require.NotNil(t, stored.EndedAt)

	list, err := store.List(ctx, model.ExecutionQuery{WorkflowId: "wf", Status: model.SUCCEEDED, From: started.Add(-time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 1)

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Empty(t, running)
}
