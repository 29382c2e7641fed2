package store

import (
	"context"
	"fmt"
)

// SendAgentMessage records an asynchronous note from one worker instance
// to another.
func (s *Store) SendAgentMessage(ctx context.Context, from, to, content string) (*AgentMessage, error) {
	if to == "" || content == "" {
		return nil, fmt.Errorf("%w: to_instance and content are required", ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (from_instance, to_instance, content, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, from, to, content)
	if err != nil {
		return nil, fmt.Errorf("send agent message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("send agent message id: %w", err)
	}
	var m AgentMessage
	err = s.db.QueryRowContext(ctx, `
		SELECT id, from_instance, to_instance, content, read_at, created_at
		FROM agent_messages WHERE id = ?;
	`, id).Scan(&m.ID, &m.FromInstance, &m.ToInstance, &m.Content, scanNullTime(&m.ReadAt), &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("read sent agent message: %w", err)
	}
	return &m, nil
}

// ReadAgentMessages returns messages addressed to instanceID, optionally
// marking them read.
func (s *Store) ReadAgentMessages(ctx context.Context, instanceID string, markRead bool) ([]*AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_instance, to_instance, content, read_at, created_at
		FROM agent_messages WHERE to_instance = ? ORDER BY created_at ASC;
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list agent messages: %w", err)
	}
	defer rows.Close()
	var out []*AgentMessage
	for rows.Next() {
		var m AgentMessage
		if err := rows.Scan(&m.ID, &m.FromInstance, &m.ToInstance, &m.Content, scanNullTime(&m.ReadAt), &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if markRead && len(out) > 0 {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE agent_messages SET read_at = CURRENT_TIMESTAMP
			WHERE to_instance = ? AND read_at IS NULL;
		`, instanceID); err != nil {
			return nil, fmt.Errorf("mark agent messages read: %w", err)
		}
	}
	return out, nil
}
