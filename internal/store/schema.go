package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// schemaVersion1 is the only schema generation this system has shipped so
// far. The migration ledger idiom (a versioned, checksummed
// schema_migrations table applied idempotently) is kept from the teacher
// even though there is only one version today, so that a future schema
// change has somewhere to append a V2 without discarding the bootstrap
// history check.
const schemaVersion1 = 1

const schemaDDLV1 = `
CREATE TABLE IF NOT EXISTS id_counters (
	prefix TEXT PRIMARY KEY,
	next   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS role_prefixes (
	role   TEXT PRIMARY KEY,
	prefix TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	origin       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	created_by   TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL REFERENCES groups(id),
	parent_id        TEXT REFERENCES tasks(id),
	revision_of      TEXT REFERENCES tasks(id),
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	task_type        TEXT NOT NULL DEFAULT '',
	priority         TEXT NOT NULL DEFAULT 'medium',
	assigned_to      TEXT NOT NULL,
	assigned_by      TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_by       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at       DATETIME,
	completed_at     DATETIME,
	rejection_reason TEXT,
	output_text      TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim
	ON tasks (assigned_to, status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks (group_id);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id      TEXT NOT NULL REFERENCES tasks(id),
	blocked_by   TEXT NOT NULL REFERENCES tasks(id),
	resolved     INTEGER NOT NULL DEFAULT 0,
	resolved_at  DATETIME,
	PRIMARY KEY (task_id, blocked_by)
);
CREATE INDEX IF NOT EXISTS idx_deps_blocked_by ON task_dependencies (blocked_by, resolved);
CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies (task_id, resolved);

CREATE TABLE IF NOT EXISTS agent_instances (
	id             TEXT PRIMARY KEY,
	role           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'idle',
	current_task   TEXT,
	started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_instances_role ON agent_instances (role, status);

CREATE TABLE IF NOT EXISTS role_pause_state (
	role   TEXT PRIMARY KEY,
	paused INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS task_usage (
	task_id       TEXT PRIMARY KEY REFERENCES tasks(id),
	agent_id      TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	num_turns     INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	from_instance TEXT NOT NULL,
	to_instance   TEXT NOT NULL,
	content       TEXT NOT NULL,
	read_at       DATETIME,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_to ON agent_messages (to_instance, read_at);

CREATE TABLE IF NOT EXISTS webhooks (
	id                TEXT PRIMARY KEY,
	url               TEXT NOT NULL,
	events            TEXT NOT NULL,
	secret            TEXT,
	active            INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_triggered_at DATETIME
);

CREATE TABLE IF NOT EXISTS context_snapshots (
	provider_name TEXT NOT NULL,
	scope         TEXT NOT NULL,
	value         TEXT NOT NULL,
	expires_at    DATETIME NOT NULL,
	PRIMARY KEY (provider_name, scope)
);

CREATE TABLE IF NOT EXISTS schedules (
	id            TEXT PRIMARY KEY,
	cron_expr     TEXT NOT NULL,
	group_title   TEXT NOT NULL,
	task_title    TEXT NOT NULL,
	assigned_to   TEXT NOT NULL,
	task_type     TEXT NOT NULL DEFAULT '',
	created_by    TEXT NOT NULL DEFAULT 'scheduler',
	next_run_at   DATETIME,
	last_run_at   DATETIME,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

func schemaChecksum(ddl string) string {
	sum := sha256.Sum256([]byte(ddl))
	return hex.EncodeToString(sum[:])
}

// initSchema bootstraps the schema idempotently. On first boot it creates
// the schema_migrations ledger and every table, recording a checksum for
// version 1. On subsequent boots it verifies the recorded checksum matches
// what this binary expects, refusing to run against a DB whose schema
// diverged from what this code generates (e.g. a hand edit, or a newer
// binary's migration that this older binary doesn't know about).
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existingChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion1).Scan(&existingChecksum)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, schemaDDLV1); err != nil {
			return fmt.Errorf("apply schema v%d: %w", schemaVersion1, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersion1, schemaChecksum(schemaDDLV1)); err != nil {
			return fmt.Errorf("record schema v%d: %w", schemaVersion1, err)
		}
	case err != nil:
		return fmt.Errorf("read schema_migrations: %w", err)
	default:
		if existingChecksum != schemaChecksum(schemaDDLV1) {
			return fmt.Errorf("schema checksum mismatch for v%d: db has %q, binary expects %q",
				schemaVersion1, existingChecksum, schemaChecksum(schemaDDLV1))
		}
	}

	return tx.Commit()
}
