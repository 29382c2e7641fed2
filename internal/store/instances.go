package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegisterInstance upserts an instance row with status=idle,
// started_at=now, last_heartbeat=now.
func (s *Store) RegisterInstance(ctx context.Context, id, role string) (*Instance, error) {
	if id == "" || role == "" {
		return nil, fmt.Errorf("%w: instance id and role are required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_instances (id, role, status, started_at, last_heartbeat)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = ?,
			started_at = CURRENT_TIMESTAMP,
			last_heartbeat = CURRENT_TIMESTAMP;
	`, id, role, InstanceStatusIdle, InstanceStatusIdle)
	if err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}
	return s.GetInstance(ctx, id)
}

// GetInstance fetches a single instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var inst Instance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, status, current_task, started_at, last_heartbeat
		FROM agent_instances WHERE id = ?;
	`, id).Scan(&inst.ID, &inst.Role, &inst.Status, &nullStringScanner{&inst.CurrentTask}, &inst.StartedAt, &inst.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstanceStatus is a last-writer-wins status transition, optionally
// setting the instance's current task (pass "" to clear it).
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, currentTask string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances SET status = ?, current_task = ? WHERE id = ?;
	`, status, nullString(currentTask), id)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

// Heartbeat sets last_heartbeat=now for an instance.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_instances SET last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListInstancesByRole returns every instance registered for role.
func (s *Store) ListInstancesByRole(ctx context.Context, role string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, status, current_task, started_at, last_heartbeat
		FROM agent_instances WHERE role = ? ORDER BY started_at ASC;
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list instances by role: %w", err)
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Role, &inst.Status, &nullStringScanner{&inst.CurrentTask}, &inst.StartedAt, &inst.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// ListInstances returns every registered instance.
func (s *Store) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, status, current_task, started_at, last_heartbeat
		FROM agent_instances ORDER BY role ASC, started_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Role, &inst.Status, &nullStringScanner{&inst.CurrentTask}, &inst.StartedAt, &inst.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// PauseRole sets the per-role pause flag.
func (s *Store) PauseRole(ctx context.Context, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_pause_state (role, paused) VALUES (?, 1)
		ON CONFLICT(role) DO UPDATE SET paused = 1;
	`, role)
	if err != nil {
		return fmt.Errorf("pause role: %w", err)
	}
	return nil
}

// ResumeRole clears the per-role pause flag.
func (s *Store) ResumeRole(ctx context.Context, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_pause_state (role, paused) VALUES (?, 0)
		ON CONFLICT(role) DO UPDATE SET paused = 0;
	`, role)
	if err != nil {
		return fmt.Errorf("resume role: %w", err)
	}
	return nil
}

// IsRolePaused reports whether role is currently paused.
func (s *Store) IsRolePaused(ctx context.Context, role string) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx, `SELECT paused FROM role_pause_state WHERE role = ?;`, role).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role pause state: %w", err)
	}
	return paused, nil
}
