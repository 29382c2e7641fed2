package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateGroup mints a group ID from the creating role's prefix (or "GRP"
// if none is registered) and inserts an active group row.
func (s *Store) CreateGroup(ctx context.Context, title, origin, createdBy string) (*Group, error) {
	if title == "" || createdBy == "" {
		return nil, fmt.Errorf("%w: title and created_by are required", ErrInvalidInput)
	}
	prefix, err := s.PrefixForRole(ctx, createdBy)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "GRP"
	}
	id, err := s.MintID(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("mint group id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (id, title, origin, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, title, origin, GroupStatusActive, createdBy)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return s.GetGroup(ctx, id)
}

// GetGroup fetches a single group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, origin, status, created_by, created_at, completed_at
		FROM groups WHERE id = ?;
	`, id).Scan(&g.ID, &g.Title, &g.Origin, &g.Status, &g.CreatedBy, &g.CreatedAt, scanNullTime(&g.CompletedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// GetGroups lists groups, optionally filtered by status.
func (s *Store) GetGroups(ctx context.Context, status string) ([]*Group, error) {
	query := `SELECT id, title, origin, status, created_by, created_at, completed_at FROM groups`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.Origin, &g.Status, &g.CreatedBy, &g.CreatedAt, scanNullTime(&g.CompletedAt)); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// MarkGroupCompleted sets a group's status to completed if every task it
// owns is in a terminal state. Returns whether the group was transitioned.
func (s *Store) MarkGroupCompleted(ctx context.Context, groupID string) (bool, error) {
	var pendingCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE group_id = ? AND status NOT IN (?, ?, ?, ?);
	`, groupID, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusRejected).Scan(&pendingCount)
	if err != nil {
		return false, fmt.Errorf("count open tasks: %w", err)
	}
	if pendingCount > 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET status = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, GroupStatusCompleted, groupID, GroupStatusActive)
	if err != nil {
		return false, fmt.Errorf("complete group: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}
