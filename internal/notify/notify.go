// Package notify implements the thin best-effort webhook adapter used for
// guardian alerts and ingestion downstream notifications. A missing
// webhook URL is a valid "not configured" state, not an error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// WebhookClient posts JSON payloads to a configured webhook endpoint
// (Discord-compatible {content, username} shape, but works with any
// webhook receiver that accepts a JSON body).
type WebhookClient struct {
	webhookURL string
	httpClient *http.Client
}

// NewWebhookClient builds a client. An empty url makes IsConfigured false
// and every send a no-op.
func NewWebhookClient(url string) *WebhookClient {
	return &WebhookClient{
		webhookURL: strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// IsConfigured reports whether a webhook URL was provided.
func (c *WebhookClient) IsConfigured() bool {
	return c.webhookURL != ""
}

// SendMessage posts a simple text message; returns nil (no-op) if
// unconfigured so callers never need to branch on configuration state.
func (c *WebhookClient) SendMessage(ctx context.Context, content, username string) error {
	if !c.IsConfigured() {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"content":  content,
		"username": username,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// GuardianAlerter adapts WebhookClient to the guardian.Alerter interface.
type GuardianAlerter struct {
	Client *WebhookClient
}

// Alert formats and sends the guardian's stuck-batch notification.
func (g GuardianAlerter) Alert(ctx context.Context, batchID, filename, reason string) error {
	content := fmt.Sprintf(
		"Intake Guardian: batch `%s` marked FAILED (%s). Filename: `%s`",
		batchID, reason, filename,
	)
	return g.Client.SendMessage(ctx, content, "Intake Guardian")
}
