package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohitkumar/flowsync/messaging"
	"github.com/stretchr/testify/require"
)

func TestWebhookAdapterClassifiesStatus(t *testing.T) {
	for scenario, tc := range map[string]struct {
		status int
		kind   ErrorKind
	}{
		"server error is retryable":  {status: http.StatusBadGateway, kind: RETRYABLE},
		"429 is rate limited":        {status: http.StatusTooManyRequests, kind: RATE_LIMITED},
		"4xx is terminal":            {status: http.StatusUnprocessableEntity, kind: TERMINAL},
		"request timeout is retried": {status: http.StatusRequestTimeout, kind: RETRYABLE},
	} {
		t.Run(scenario, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()
			a := NewWebhookAdapter("crm", srv.URL, time.Second)
			_, err := a.Write(context.Background(), WriteRequest{Token: "t1", Kind: WEBHOOK})
			var ae *Error
			require.ErrorAs(t, err, &ae)
			require.Equal(t, tc.kind, ae.Kind)
			require.Equal(t, tc.kind == TERMINAL, IsTerminal(err))
		})
	}
}

func TestWebhookAdapterWriteAndRead(t *testing.T) {
	var gotToken string
	var gotBody WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			require.Equal(t, "/s-1", r.URL.Path)
			_, _ = w.Write([]byte(`{"email":"a@b.c"}`))
			return
		}
		gotToken = r.Header.Get(IDEMPOTENCY_HEADER)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"id":"rec-9"}`))
	}))
	defer srv.Close()

	a := NewWebhookAdapter("crm", srv.URL, time.Second)
	out, err := a.Write(context.Background(), WriteRequest{Token: "exec:act", Kind: RECORD, EntityId: "s-1", Payload: map[string]any{"x": 1.0}})
	require.NoError(t, err)
	require.Equal(t, "rec-9", out["id"])
	require.Equal(t, "exec:act", gotToken)
	require.Equal(t, "s-1", gotBody.EntityId)

	rec, err := a.Read(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, "a@b.c", rec["email"])
}

func TestWebhookAdapterUnreachable(t *testing.T) {
	a := NewWebhookAdapter("crm", "http://127.0.0.1:1", 200*time.Millisecond)
	_, err := a.Write(context.Background(), WriteRequest{Token: "t"})
	require.Error(t, err)
	require.False(t, IsTerminal(err))
}

func TestMemoryAdapter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAdapter("lms")

	boom := Retryable("lms", "down", nil)
	m.FailNext(boom)
	_, err := m.Write(ctx, WriteRequest{Token: "t1", Kind: RECORD, EntityId: "s1", Payload: map[string]any{"fields": map[string]any{"a": 1.0}}})
	require.ErrorIs(t, err, boom)

	first, err := m.Write(ctx, WriteRequest{Token: "t1", Kind: RECORD, EntityId: "s1", Payload: map[string]any{"fields": map[string]any{"a": 1.0}}})
	require.NoError(t, err)
	again, err := m.Write(ctx, WriteRequest{Token: "t1", Kind: RECORD, EntityId: "s1", Payload: map[string]any{"fields": map[string]any{"a": 2.0}}})
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Len(t, m.Applied(), 1)
	require.Equal(t, 3, m.Calls())
	require.Equal(t, 1.0, m.Record("s1")["a"])

	_, err = m.Write(ctx, WriteRequest{Token: "v3", Kind: FIELD_SYNC, EntityId: "s1", Field: "status", Version: 3, Payload: map[string]any{"value": "active"}})
	require.NoError(t, err)
	_, err = m.Write(ctx, WriteRequest{Token: "v2", Kind: FIELD_SYNC, EntityId: "s1", Field: "status", Version: 2, Payload: map[string]any{"value": "pending"}})
	require.NoError(t, err)
	rec, err := m.Read(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "active", rec["status"])

	m.FailAlways(errors.New("unreachable"))
	_, err = m.Read(ctx, "s1")
	require.Error(t, err)
	m.Heal()
	_, err = m.Read(ctx, "s1")
	require.NoError(t, err)
}

func TestMemoryAdapterLatencyHonorsContext(t *testing.T) {
	m := NewMemoryAdapter("slow")
	m.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Write(ctx, WriteRequest{Token: "t"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKafkaAdapter(t *testing.T) {
	w := &messaging.MemoryWriter{}
	k := NewKafkaAdapter("bus", messaging.NewProducer(w, "records"))
	out, err := k.Write(context.Background(), WriteRequest{Token: "x:notify", Kind: MESSAGE, Payload: map[string]any{"to": "a"}})
	require.NoError(t, err)
	require.Equal(t, "records", out["topic"])
	require.Equal(t, "x:notify", string(w.Messages()[0].Key))

	w.SetErr(errors.New("broker down"))
	_, err = k.Write(context.Background(), WriteRequest{Token: "x:notify"})
	require.False(t, IsTerminal(err))

	_, err = k.Read(context.Background(), "s1")
	require.True(t, IsTerminal(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMemoryAdapter("b"))
	r.Register(NewMemoryAdapter("a"))
	require.Equal(t, []string{"a", "b"}, r.Names())
	_, ok := r.Get("a")
	require.True(t, ok)
	_, ok = r.Get("c")
	require.False(t, ok)
}
