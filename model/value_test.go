package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlattenPayload(t *testing.T) {
	fields, err := FlattenPayload(map[string]any{
		"amount": float64(100),
		"student": map[string]any{
			"id":   "S1",
			"tags": []any{"new", "intl"},
		},
		"paid": true,
	})
	require.NoError(t, err)
	require.Equal(t, Number(100), fields["amount"])
	require.Equal(t, String("S1"), fields["student.id"])
	require.True(t, fields["student.tags"].Equal(List(String("new"), String("intl"))))
	require.Equal(t, Bool(true), fields["paid"])

	native := fields.Native()
	require.Equal(t, "S1", native["student"].(map[string]any)["id"])
	require.Equal(t, float64(100), native["amount"])
}

func TestFlattenRejectsObjectsInLists(t *testing.T) {
	_, err := FlattenPayload(map[string]any{"items": []any{map[string]any{"a": 1}}})
	require.Error(t, err)
}

func TestFieldValueJSON(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for scenario, v := range map[string]FieldValue{
		"string":    String("x"),
		"number":    Number(1.5),
		"bool":      Bool(true),
		"timestamp": Timestamp(ts),
		"list":      List(Number(1), String("a")),
		"null":      Null(),
	} {
		t.Run(scenario, func(t *testing.T) {
			data, err := json.Marshal(v)
			require.NoError(t, err)
			var out FieldValue
			require.NoError(t, json.Unmarshal(data, &out))
			require.True(t, v.Equal(out), "got %s", data)
		})
	}
}

func TestCoerceTimestamp(t *testing.T) {
	v, ok := String("2024-03-01T10:00:00Z").Coerce(TIMESTAMP)
	require.True(t, ok)
	require.Equal(t, TIMESTAMP, v.Type)

	_, ok = String("tomorrow").Coerce(TIMESTAMP)
	require.False(t, ok)

	_, ok = Number(1).Coerce(STRING)
	require.False(t, ok)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 16*time.Second, p.Delay(5))
	require.Equal(t, 30*time.Second, p.Delay(6))

	p = RetryPolicy{MaxAttempts: 3}.WithDefaults()
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, DEFAULT_BASE_DELAY_MS, p.BaseDelayMs)
}

func TestExecutionTerminalImmutability(t *testing.T) {
	exec := &WorkflowExecution{Id: "e1", Status: RUNNING}
	require.NoError(t, exec.AppendResult(ActionResult{Name: "a"}))
	require.NoError(t, exec.Finish(SUCCEEDED, time.Now()))

	require.ErrorIs(t, exec.AppendResult(ActionResult{Name: "b"}), ErrExecutionTerminal)
	require.ErrorIs(t, exec.Finish(FAILED, time.Now()), ErrExecutionTerminal)
	require.Equal(t, SUCCEEDED, exec.Status)
	require.Len(t, exec.Results, 1)
}
