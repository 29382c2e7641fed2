package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordTaskUsage upserts per-run token/cost/duration accounting for a
// completed task.
func (s *Store) RecordTaskUsage(ctx context.Context, u TaskUsage) error {
	if u.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_usage (task_id, agent_id, input_tokens, output_tokens, cost_usd, duration_ms, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			num_turns = excluded.num_turns;
	`, u.TaskID, u.AgentID, u.InputTokens, u.OutputTokens, u.CostUSD, u.DurationMS, u.NumTurns)
	if err != nil {
		return fmt.Errorf("record task usage: %w", err)
	}
	return nil
}

// GetTaskUsage fetches the usage row for one task.
func (s *Store) GetTaskUsage(ctx context.Context, taskID string) (*TaskUsage, error) {
	var u TaskUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, input_tokens, output_tokens, cost_usd, duration_ms, num_turns, created_at
		FROM task_usage WHERE task_id = ?;
	`, taskID).Scan(&u.TaskID, &u.AgentID, &u.InputTokens, &u.OutputTokens, &u.CostUSD, &u.DurationMS, &u.NumTurns, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task usage %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task usage: %w", err)
	}
	return &u, nil
}

// CostSummary is an aggregated token/cost rollup, optionally scoped by
// group or role.
type CostSummary struct {
	TaskCount    int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// SummarizeCosts rolls up task_usage joined against tasks, optionally
// filtered by group_id and/or assigned_to role.
func (s *Store) SummarizeCosts(ctx context.Context, groupID, role string) (CostSummary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(task_usage.input_tokens), 0),
			COALESCE(SUM(task_usage.output_tokens), 0), COALESCE(SUM(task_usage.cost_usd), 0)
		FROM task_usage
		JOIN tasks ON tasks.id = task_usage.task_id
	`
	var clauses []string
	var args []any
	if groupID != "" {
		clauses = append(clauses, "tasks.group_id = ?")
		args = append(args, groupID)
	}
	if role != "" {
		clauses = append(clauses, "tasks.assigned_to = ?")
		args = append(args, role)
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	var summary CostSummary
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.TaskCount, &summary.InputTokens, &summary.OutputTokens, &summary.CostUSD,
	)
	if err != nil {
		return CostSummary{}, fmt.Errorf("summarize costs: %w", err)
	}
	return summary, nil
}
