package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateWebhook registers a new outbound delivery target.
func (s *Store) CreateWebhook(ctx context.Context, url string, events []string, secret string) (*Webhook, error) {
	if url == "" || len(events) == 0 {
		return nil, fmt.Errorf("%w: url and events are required", ErrInvalidInput)
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, events, secret, active, created_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP);
	`, id, url, strings.Join(events, ","), nullString(secret))
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return s.GetWebhook(ctx, id)
}

// GetWebhook fetches a single webhook by ID.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	w, err := scanWebhookRow(s.db.QueryRowContext(ctx, `
		SELECT id, url, events, secret, active, created_at, last_triggered_at
		FROM webhooks WHERE id = ?;
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanWebhookRow(row *sql.Row) (*Webhook, error) {
	var w Webhook
	var eventsCSV, secret string
	err := row.Scan(&w.ID, &w.URL, &eventsCSV, &nullStringScanner{&secret}, &w.Active, &w.CreatedAt, scanNullTime(&w.LastTriggeredAt))
	if err != nil {
		return nil, err
	}
	w.Secret = secret
	w.Events = strings.Split(eventsCSV, ",")
	return &w, nil
}

// GetWebhooks lists every registered webhook, active or not.
func (s *Store) GetWebhooks(ctx context.Context) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, events, secret, active, created_at, last_triggered_at
		FROM webhooks ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var eventsCSV, secret string
		if err := rows.Scan(&w.ID, &w.URL, &eventsCSV, &nullStringScanner{&secret}, &w.Active, &w.CreatedAt, scanNullTime(&w.LastTriggeredAt)); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.Secret = secret
		w.Events = strings.Split(eventsCSV, ",")
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ActiveWebhooksForEvent returns active webhooks whose events list
// contains eventName or "*".
func (s *Store) ActiveWebhooksForEvent(ctx context.Context, eventName string) ([]*Webhook, error) {
	all, err := s.GetWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Webhook
	for _, w := range all {
		if !w.Active {
			continue
		}
		for _, ev := range w.Events {
			if ev == eventName || ev == "*" {
				out = append(out, w)
				break
			}
		}
	}
	return out, nil
}

// DeleteWebhook hard-deletes a webhook.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeactivateWebhook soft-disables a webhook without deleting its row.
func (s *Store) DeactivateWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhooks SET active = 0 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deactivate webhook: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchWebhookTriggered updates last_triggered_at regardless of delivery
// outcome — the contract requires this on every attempt, not just
// successes.
func (s *Store) TouchWebhookTriggered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET last_triggered_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("touch webhook triggered: %w", err)
	}
	return nil
}
