package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// WebhookTracker POSTs each track request as JSON to a URL.
type WebhookTracker struct {
	url    string
	client *http.Client
}

// NewWebhookTracker creates a webhook tracker.
func NewWebhookTracker(url string, timeout time.Duration) (*WebhookTracker, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookTracker{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *WebhookTracker) Name() string { return "webhook" }

func (w *WebhookTracker) Close() error { return nil }

// TrackRepository implements Tracker. Any 2xx answer is a delivery.
func (w *WebhookTracker) TrackRepository(ctx context.Context, req TrackRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Event-ID", req.EventID)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
