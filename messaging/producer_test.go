package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProducerSend(t *testing.T) {
	w := &MemoryWriter{}
	p := NewProducer(w, "alerts")
	require.NoError(t, p.Send(context.Background(), "k1", map[string]any{"a": 1}, map[string]string{"severity": "HIGH"}))

	msgs := w.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "alerts", msgs[0].Topic)
	require.Equal(t, "k1", string(msgs[0].Key))
	require.Equal(t, "severity", msgs[0].Headers[0].Key)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &body))
	require.Equal(t, float64(1), body["a"])

	w.SetErr(errors.New("broker down"))
	require.Error(t, p.Send(context.Background(), "k2", 1, nil))
	require.NoError(t, p.Close())
}
