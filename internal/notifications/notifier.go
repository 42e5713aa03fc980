// Package notifications alerts operators when the site enters or leaves
// maintenance mode. It supports webhook and Slack transports.
package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mackeh/sitelock/internal/config"
	"github.com/mackeh/sitelock/internal/logging"
)

// Event represents a notification event type.
type Event string

const (
	EventLocked   Event = "maintenance_locked"
	EventUnlocked Event = "maintenance_unlocked"
	EventFailed   Event = "maintenance_failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Sitelock-Signature"

// Payload carries the notification data.
type Payload struct {
	Event     Event          `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Backend   string         `json:"backend,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Notifier is the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, payload Payload) error
	Handles(event Event) bool
}

// Dispatcher fans out notifications to all registered notifiers.
type Dispatcher struct {
	notifiers []Notifier
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher from configuration.
func NewDispatcher(configs []config.NotifierConfig, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{logger: logging.OrNop(logger)}
	for _, cfg := range configs {
		events := make([]Event, len(cfg.Events))
		for i, e := range cfg.Events {
			events[i] = Event(e)
		}
		switch cfg.Type {
		case "webhook":
			d.notifiers = append(d.notifiers, NewWebhookNotifier(cfg.URL, cfg.Secret, events))
		case "slack":
			d.notifiers = append(d.notifiers, NewSlackNotifier(cfg.WebhookURL, events))
		default:
			d.logger.Warn("ignoring notifier with unknown type", zap.String("type", cfg.Type))
		}
	}
	return d
}

// Len returns the number of configured notifiers.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// Notify sends a payload to all notifiers that handle this event type
// without blocking the caller.
func (d *Dispatcher) Notify(ctx context.Context, payload Payload) {
	ctx = context.WithoutCancel(ctx)
	for _, n := range d.notifiers {
		if !n.Handles(payload.Event) {
			continue
		}
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			if err := n.Send(ctx, payload); err != nil {
				d.logger.Warn("notification failed", zap.String("event", string(payload.Event)), zap.Error(err))
			}
		}(n)
	}
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// --- Webhook Notifier ---

// WebhookNotifier sends HMAC-signed HTTP POST payloads.
type WebhookNotifier struct {
	url    string
	secret string
	events map[Event]bool
	client *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(url, secret string, events []Event) *WebhookNotifier {
	m := make(map[Event]bool)
	for _, e := range events {
		m[e] = true
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		events: m,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Handles returns true if this notifier is subscribed to the event.
func (w *WebhookNotifier) Handles(event Event) bool {
	return len(w.events) == 0 || w.events[event]
}

// Send dispatches the payload via HTTP POST with HMAC signature.
func (w *WebhookNotifier) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sitelock-notification/1.0")

	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: server returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// --- Slack Notifier ---

// SlackNotifier sends messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	events     map[Event]bool
	client     *http.Client
}

// NewSlackNotifier creates a new SlackNotifier.
func NewSlackNotifier(webhookURL string, events []Event) *SlackNotifier {
	m := make(map[Event]bool)
	for _, e := range events {
		m[e] = true
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		events:     m,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Handles returns true if this notifier is subscribed to the event.
func (s *SlackNotifier) Handles(event Event) bool {
	return len(s.events) == 0 || s.events[event]
}

// Send dispatches the notification as a Slack message.
func (s *SlackNotifier) Send(ctx context.Context, payload Payload) error {
	msg := formatSlackMessage(payload)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: request creation failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack: server returned %d", resp.StatusCode)
	}
	return nil
}

type slackMessage struct {
	Text   string          `json:"text"`
	Blocks json.RawMessage `json:"blocks,omitempty"`
}

func formatSlackMessage(p Payload) slackMessage {
	var icon, title string
	switch p.Event {
	case EventLocked:
		icon = ":construction:"
		title = "Maintenance mode ON"
	case EventUnlocked:
		icon = ":white_check_mark:"
		title = "Maintenance mode OFF"
	case EventFailed:
		icon = ":rotating_light:"
		title = "Maintenance toggle FAILED"
	default:
		icon = ":bell:"
		title = string(p.Event)
	}

	text := fmt.Sprintf("%s *sitelock: %s*", icon, title)
	if p.Backend != "" {
		text += fmt.Sprintf("\nBackend: `%s`", p.Backend)
	}
	if p.Actor != "" {
		text += fmt.Sprintf(" | By: `%s`", p.Actor)
	}
	if p.Message != "" {
		text += "\n" + p.Message
	}

	return slackMessage{Text: text}
}
