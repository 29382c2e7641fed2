package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetContextSnapshot returns a cached context-provider value for
// (providerName, scope) if present and not expired.
func (s *Store) GetContextSnapshot(ctx context.Context, providerName, scope string) (string, bool, error) {
	var value string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM context_snapshots WHERE provider_name = ? AND scope = ?;
	`, providerName, scope).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get context snapshot: %w", err)
	}
	if time.Now().After(expiresAt) {
		return "", false, nil
	}
	return value, true, nil
}

// PutContextSnapshot caches a context-provider value with a TTL. Providers
// that return an empty string are not cached, per the caller's contract
// (internal/contextprov enforces this before calling); this method itself
// just writes whatever it's given.
func (s *Store) PutContextSnapshot(ctx context.Context, providerName, scope, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_snapshots (provider_name, scope, value, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_name, scope) DO UPDATE SET
			value = excluded.value, expires_at = excluded.expires_at;
	`, providerName, scope, value, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("put context snapshot: %w", err)
	}
	return nil
}
