// Package webhook is the Webhook Manager: best-effort outbound
// delivery of bus events to registered HTTP endpoints. CRUD is a thin
// wrapper over internal/store; delivery is grounded on the teacher's
// bounded-timeout http.Client idiom (internal/tools' search provider
// client) and HMAC signing on the crypto/hmac + crypto/sha256 pattern
// used for signed payloads across the example pack.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/store"
)

// deliveryTimeout bounds a single webhook POST; matching the teacher's
// bounded-Timeout http.Client idiom rather than an unbounded default
// client.
const deliveryTimeout = 10 * time.Second

// Manager delivers bus events to registered webhooks.
type Manager struct {
	store  *store.Store
	client *http.Client
	logger *slog.Logger
}

// New wraps store as a webhook Manager.
func New(s *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// Create registers a new webhook.
func (m *Manager) Create(ctx context.Context, url string, events []string, secret string) (*store.Webhook, error) {
	return m.store.CreateWebhook(ctx, url, events, secret)
}

// Delete removes a webhook.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteWebhook(ctx, id)
}

// List returns every registered webhook.
func (m *Manager) List(ctx context.Context) ([]*store.Webhook, error) {
	return m.store.GetWebhooks(ctx)
}

// envelope is the outbound wire payload of spec §6.5.
type envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// Fire delivers event to every active webhook whose events list
// contains event or "*", concurrently and independently: one
// goroutine per match, none of which block the caller or each other.
// traceID is carried through to the delivered payload and the delivery
// logs so a webhook failure can be correlated back to the bus event
// that triggered it.
func (m *Manager) Fire(ctx context.Context, event, traceID string, data map[string]any) error {
	hooks, err := m.store.ActiveWebhooksForEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("list active webhooks for %s: %w", event, err)
	}
	for _, hook := range hooks {
		go m.deliver(ctx, hook, event, traceID, data)
	}
	return nil
}

// Subscribe wires Fire to every bus event, making the Manager a bus
// subscriber exactly like the Dashboard's WebSocket forwarder (spec
// §4.8: the Dashboard and Webhook Manager are both "*"-pattern fan-out
// targets off the same bus).
func (m *Manager) Subscribe(b *bus.Bus) *bus.Subscription {
	return b.Subscribe("*", func(ev bus.Event) {
		if err := m.Fire(context.Background(), ev.Topic, ev.TraceID, ev.Payload); err != nil {
			m.logger.Error("webhook fan-out failed", "event", ev.Topic, "trace_id", ev.TraceID, "error", err)
		}
	})
}

func (m *Manager) deliver(ctx context.Context, hook *store.Webhook, event, traceID string, data map[string]any) {
	defer func() {
		if err := m.store.TouchWebhookTriggered(ctx, hook.ID); err != nil {
			m.logger.Error("touch webhook last_triggered_at failed", "webhook_id", hook.ID, "trace_id", traceID, "error", err)
		}
	}()

	body, err := json.Marshal(envelope{Event: event, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339), TraceID: traceID})
	if err != nil {
		m.logger.Error("encode webhook payload failed", "webhook_id", hook.ID, "trace_id", traceID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("build webhook request failed", "webhook_id", hook.ID, "trace_id", traceID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(hook.Secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("webhook delivery failed", "webhook_id", hook.ID, "url", hook.URL, "trace_id", traceID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn("webhook delivery got non-2xx", "webhook_id", hook.ID, "url", hook.URL, "trace_id", traceID, "status", resp.StatusCode)
	}
}

// sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
