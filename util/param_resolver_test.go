package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveParams(t *testing.T) {
	scope := map[string]any{
		"event": map[string]any{
			"amount":    float64(100),
			"studentId": "S1",
		},
		"actions": map[string]any{
			"activate": map[string]any{
				"output": map[string]any{"version": float64(3)},
			},
		},
	}
	params := map[string]any{
		"entity_id": "{$.event.studentId}",
		"amount":    "{$.event.amount}",
		"text":      "Welcome {$.event.studentId}, v{$.actions.activate.output.version}",
		"nested":    map[string]any{"list": []any{"{$.event.studentId}", 7}},
		"plain":     true,
	}
	out, err := ResolveParams(scope, params)
	require.NoError(t, err)
	require.Equal(t, "S1", out["entity_id"])
	require.Equal(t, float64(100), out["amount"])
	require.Equal(t, "Welcome S1, v3", out["text"])
	require.Equal(t, []any{"S1", 7}, out["nested"].(map[string]any)["list"])
	require.Equal(t, true, out["plain"])
}

func TestResolveParamsMissing(t *testing.T) {
	_, err := ResolveParams(map[string]any{"event": map[string]any{}}, map[string]any{
		"x": "{$.actions.first.output.id}",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "$.actions.first.output.id")
}

func TestReferences(t *testing.T) {
	refs := References(map[string]any{
		"a": "{$.event.x}",
		"b": []any{"id {$.actions.one.output.id}"},
	})
	require.Equal(t, []string{"$.actions.one.output.id", "$.event.x"}, refs)
}
