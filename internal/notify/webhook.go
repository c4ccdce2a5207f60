// Package notify delivers operator-facing announcements, such as a broadcaster
// going live, to chat webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier posts a plain-text message.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// Noop discards messages.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Webhook posts Discord-compatible {"content": "..."} payloads.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type webhookPayload struct {
	Content string `json:"content"`
}

// NewWebhook returns a Webhook for url. A nil client gets a 10 second timeout.
func NewWebhook(url string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{url: strings.TrimSpace(url), client: client, logger: logger}
}

// Notify posts content to the webhook.
func (w *Webhook) Notify(ctx context.Context, content string) error {
	body, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post webhook: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	w.logger.Debug("webhook delivered", "status", resp.StatusCode)
	return nil
}

// WentLive formats the went-live announcement.
func WentLive(name, link string) string {
	msg := fmt.Sprintf("%s went live!", name)
	if link = strings.TrimSpace(link); link != "" {
		msg += "\n" + link
	}
	return msg
}
