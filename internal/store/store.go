// Package store is the durable persistence layer for the orchestrator: a
// single embedded SQLite database holding groups, tasks, dependency edges,
// worker instances, webhooks, and the supplemental usage/messaging/
// context-cache/schedule tables. It is the only component that mutates the
// database directly; every mutation is serialized through a single
// connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/fleetboard/internal/bus"
)

// Store wraps the single writer connection to the embedded database plus
// an optional event bus used only for low-level store-originated
// diagnostics (the domain event emission for task/agent lifecycle lives in
// the board/instances/webhook packages, per spec: the board itself emits
// no lifecycle events).
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the default database location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetboard", "fleetboard.db")
}

// Open opens (creating if needed) the SQLite database at path, configures
// it for single-writer serialized access, and applies the schema
// migration ledger. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection makes SQLite's serialized-write
	// requirement trivial to satisfy: every write goes through the same
	// *sql.DB, so the driver never hands two goroutines concurrent
	// connections to race over the same file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying connection, for packages (e.g. internal/board)
// that need to compose their own transactions against the same tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	retryMaxAttempts = 5
	retryBaseDelay   = 50 * time.Millisecond
	retryMaxDelay    = 500 * time.Millisecond
)

// retryOnBusy retries f with bounded exponential backoff and jitter when
// SQLite reports BUSY or LOCKED. The driver's own busy_timeout already
// absorbs short contention; this loop is a second line of defense for the
// case where even that timeout elapses under sustained load.
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			return err
		}
		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timePtrScanner adapts a **time.Time so it can be passed directly as a
// Scan destination for a nullable DATETIME column.
type timePtrScanner struct{ dst **time.Time }

func (t timePtrScanner) Scan(src any) error {
	var nt sql.NullTime
	if err := nt.Scan(src); err != nil {
		return err
	}
	if !nt.Valid {
		*t.dst = nil
		return nil
	}
	v := nt.Time
	*t.dst = &v
	return nil
}

// scanNullTime returns a Scan destination for a nullable DATETIME column
// that should populate a *time.Time field (nil when the column is NULL).
func scanNullTime(dst **time.Time) timePtrScanner {
	return timePtrScanner{dst: dst}
}
