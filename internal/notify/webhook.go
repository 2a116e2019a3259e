package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// WebhookTransport posts notifications as JSON to a configured URL. It is
// the default stand-in for the external push transport collaborator.
type WebhookTransport struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookTransport creates a webhook transport for the given URL.
func NewWebhookTransport(url, token string) *WebhookTransport {
	return &WebhookTransport{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

const webhookRetries = 3

// Send posts the notification, retrying transient failures with bounded
// exponential backoff.
func (t *WebhookTransport) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	delay := 500 * time.Millisecond
	var lastErr error
	for i := 0; i < webhookRetries; i++ {
		if i > 0 {
			slog.Debug("webhook retrying", "attempt", i+1, "delay", delay, "session_id", n.SessionID)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = t.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", webhookRetries, lastErr)
}

func (t *WebhookTransport) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close webhook response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
