// Package notify tells users what happened to their tickets through an
// outbound webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autopilot/internal/config"
)

// Message is one outbound notification.
type Message struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Notifier delivers a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Noop drops every message. It is used when no webhook is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }

// Webhook posts messages as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// New returns a webhook notifier, or Noop when NOTIFY_WEBHOOK_URL is unset.
func New(cfg config.Config) Notifier {
	if cfg.NotifyWebhookURL == "" {
		return Noop{}
	}
	return &Webhook{url: cfg.NotifyWebhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	buf, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook status %d", resp.StatusCode)
	}
	return nil
}
