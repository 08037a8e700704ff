package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/chainrecon/internal/crypto"
)

// WebhookEnvelope is the JSON body of every webhook delivery.
type WebhookEnvelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Webhook POSTs signed event envelopes to the order backend. 5xx responses
// and transport errors are retried with doubling backoff; 4xx responses are
// not.
type Webhook struct {
	url      string
	signer   *crypto.WebhookSigner
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewWebhook creates a Webhook for url signed with secret. An empty secret
// sends unsigned deliveries.
func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
		logger:   logger.With(slog.String("component", "webhook")),
	}
	if secret != "" {
		w.signer = crypto.NewWebhookSigner(secret)
	}
	return w
}

// Deliver sends one event. The envelope id is stable across retries so the
// receiver can deduplicate.
func (w *Webhook) Deliver(ctx context.Context, event string, data any) error {
	if w == nil || w.url == "" {
		return nil
	}
	body, err := json.Marshal(WebhookEnvelope{
		ID:        uuid.NewString(),
		Event:     event,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", event, err)
	}

	delay := w.backoff
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.attempts {
			break
		}
		w.logger.WarnContext(ctx, "webhook delivery failed, retrying",
			slog.String("event", event),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook: %s: %w", event, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("webhook: %s: %w", event, lastErr)
}

func (w *Webhook) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signer != nil {
		for k, v := range w.signer.Headers(body) {
			req.Header.Set(k, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode >= 500, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
}
