package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSchedule registers a cron-triggered recurring goal/task creation
// rule.
func (s *Store) CreateSchedule(ctx context.Context, sch Schedule) (*Schedule, error) {
	if sch.CronExpr == "" || sch.TaskTitle == "" || sch.AssignedTo == "" {
		return nil, fmt.Errorf("%w: cron_expr, task_title, and assigned_to are required", ErrInvalidInput)
	}
	id := uuid.NewString()
	createdBy := sch.CreatedBy
	if createdBy == "" {
		createdBy = "scheduler"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, cron_expr, group_title, task_title, assigned_to, task_type, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, id, sch.CronExpr, sch.GroupTitle, sch.TaskTitle, sch.AssignedTo, sch.TaskType, createdBy)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

// GetSchedule fetches one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sch, err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, cron_expr, group_title, task_title, assigned_to, task_type, created_by, next_run_at, last_run_at, created_at
		FROM schedules WHERE id = ?;
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sch, nil
}

func scanSchedule(row *sql.Row) (*Schedule, error) {
	var sch Schedule
	err := row.Scan(&sch.ID, &sch.CronExpr, &sch.GroupTitle, &sch.TaskTitle, &sch.AssignedTo,
		&sch.TaskType, &sch.CreatedBy, scanNullTime(&sch.NextRunAt), scanNullTime(&sch.LastRunAt), &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sch, nil
}

// ListSchedules returns every registered schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, group_title, task_title, assigned_to, task_type, created_by, next_run_at, last_run_at, created_at
		FROM schedules ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.ID, &sch.CronExpr, &sch.GroupTitle, &sch.TaskTitle, &sch.AssignedTo,
			&sch.TaskType, &sch.CreatedBy, scanNullTime(&sch.NextRunAt), scanNullTime(&sch.LastRunAt), &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, &sch)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DueSchedules returns every schedule whose next_run_at is unset or at/
// before now.
func (s *Store) DueSchedules(ctx context.Context, now sql.NullTime) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, group_title, task_title, assigned_to, task_type, created_by, next_run_at, last_run_at, created_at
		FROM schedules WHERE next_run_at IS NULL OR next_run_at <= ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		var sch Schedule
		if err := rows.Scan(&sch.ID, &sch.CronExpr, &sch.GroupTitle, &sch.TaskTitle, &sch.AssignedTo,
			&sch.TaskType, &sch.CreatedBy, scanNullTime(&sch.NextRunAt), scanNullTime(&sch.LastRunAt), &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, &sch)
	}
	return out, rows.Err()
}

// MarkScheduleRun updates last_run_at=now and next_run_at=next.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = CURRENT_TIMESTAMP, next_run_at = ? WHERE id = ?;
	`, next, id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}
