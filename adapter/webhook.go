package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const IDEMPOTENCY_HEADER = "Idempotency-Key"

// WebhookAdapter talks to a backing system over HTTP. Writes are POSTed as
// JSON to the base URL, reads GET base URL/{entityId}.
type WebhookAdapter struct {
	name    string
	baseUrl string
	client  *http.Client
}

var _ Adapter = new(WebhookAdapter)

func NewWebhookAdapter(name string, baseUrl string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookAdapter{
		name:    name,
		baseUrl: baseUrl,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookAdapter) Name() string {
	return w.name
}

func (w *WebhookAdapter) Write(ctx context.Context, req WriteRequest) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Terminal(w.name, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseUrl, bytes.NewReader(body))
	if err != nil {
		return nil, Terminal(w.name, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IDEMPOTENCY_HEADER, req.Token)
	return w.do(httpReq)
}

func (w *WebhookAdapter) Read(ctx context.Context, entityId string) (map[string]any, error) {
	u, err := url.JoinPath(w.baseUrl, url.PathEscape(entityId))
	if err != nil {
		return nil, Terminal(w.name, "build url", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Terminal(w.name, "build request", err)
	}
	return w.do(httpReq)
}

func (w *WebhookAdapter) do(req *http.Request) (map[string]any, error) {
	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Retryable(w.name, "request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Retryable(w.name, "read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, RateLimited(w.name, string(data))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return nil, Retryable(w.name, fmt.Sprintf("status %d", resp.StatusCode), errors.New(string(data)))
	case resp.StatusCode >= 400:
		return nil, Terminal(w.name, fmt.Sprintf("status %d", resp.StatusCode), errors.New(string(data)))
	}
	out := make(map[string]any)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Terminal(w.name, "decode response", err)
	}
	return out, nil
}
