package store

import (
	"context"
	"fmt"
	"strings"
)

// RegisterPrefix binds a role (or a group-creating role) name to an ID
// prefix, e.g. "coder" -> "CD". Re-registering a role to a different
// prefix than it already has is rejected as invalid input: the prefix
// registry must be stable once tasks have been minted under it.
func (s *Store) RegisterPrefix(ctx context.Context, role, prefix string) error {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if role == "" || prefix == "" {
		return fmt.Errorf("%w: role and prefix are required", ErrInvalidInput)
	}
	if len(prefix) < 1 || len(prefix) > 8 {
		return fmt.Errorf("%w: prefix must be 1-8 characters", ErrInvalidInput)
	}
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT prefix FROM role_prefixes WHERE role = ?;`, role).Scan(&existing)
	if err == nil && existing != prefix {
		return fmt.Errorf("%w: role %q already registered with prefix %q", ErrInvalidInput, role, existing)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_prefixes (role, prefix) VALUES (?, ?)
		ON CONFLICT(role) DO UPDATE SET prefix = excluded.prefix;
	`, role, prefix)
	if err != nil {
		return fmt.Errorf("register prefix: %w", err)
	}
	return nil
}

// PrefixForRole returns the registered prefix for role, or a derived
// fallback (the first two characters of the role name, uppercased) if
// none was registered — mirroring the distillation source's
// `_role_to_prefix.get(assigned_to, assigned_to.upper()[:2])`.
func (s *Store) PrefixForRole(ctx context.Context, role string) (string, error) {
	var prefix string
	err := s.db.QueryRowContext(ctx, `SELECT prefix FROM role_prefixes WHERE role = ?;`, role).Scan(&prefix)
	if err == nil {
		return prefix, nil
	}
	fallback := strings.ToUpper(role)
	if len(fallback) > 2 {
		fallback = fallback[:2]
	}
	if fallback == "" {
		fallback = "GRP"
	}
	return fallback, nil
}

// MintID atomically mints the next monotonic integer for prefix and
// returns the formatted ID "<PREFIX>-<NNN>". Two concurrent mints for the
// same prefix never return the same value: the UPDATE-then-RETURNING
// statement is itself atomic under SQLite's single-writer serialization.
func (s *Store) MintID(ctx context.Context, prefix string) (string, error) {
	prefix = strings.ToUpper(prefix)
	var next int
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO id_counters (prefix, next) VALUES (?, 1)
			ON CONFLICT(prefix) DO NOTHING;
		`, prefix); err != nil {
			return fmt.Errorf("seed id_counters: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE id_counters SET next = next + 1 WHERE prefix = ?
			RETURNING next - 1;
		`, prefix).Scan(&next); err != nil {
			return fmt.Errorf("mint id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%03d", prefix, next), nil
}
