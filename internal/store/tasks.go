package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.GroupID, &nullStringScanner{&t.ParentID}, &nullStringScanner{&t.RevisionOf},
		&t.Title, &t.Description, &t.TaskType, &t.Priority, &t.AssignedTo,
		&t.AssignedBy, &nullStringScanner{&t.ClaimedBy}, &t.Status, &t.CreatedBy,
		&t.CreatedAt, scanNullTime(&t.StartedAt), scanNullTime(&t.CompletedAt),
		&nullStringScanner{&t.RejectionReason}, &nullStringScanner{&t.OutputText},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

const taskColumns = `id, group_id, parent_id, revision_of, title, description, task_type,
	priority, assigned_to, assigned_by, claimed_by, status, created_by,
	created_at, started_at, completed_at, rejection_reason, output_text`

// nullStringScanner adapts a *string so NULL columns populate "" rather
// than erroring on Scan.
type nullStringScanner struct{ dst *string }

func (n *nullStringScanner) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*n.dst = ns.String
	return nil
}

// CreateTask mints a task ID from assigned_to's prefix, inserts the row
// (status=blocked if blockedBy is non-empty, else pending), and creates a
// dependency edge for each blocker. Each edge is cycle-checked before
// insertion.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	if in.GroupID == "" || in.Title == "" || in.AssignedTo == "" {
		return nil, fmt.Errorf("%w: group_id, title, and assigned_to are required", ErrInvalidInput)
	}
	priority := in.Priority
	if priority == "" {
		priority = string(PriorityMedium)
	}
	prefix, err := s.PrefixForRole(ctx, in.AssignedTo)
	if err != nil {
		return nil, err
	}

	var taskID string
	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO id_counters (prefix, next) VALUES (?, 1)
			ON CONFLICT(prefix) DO NOTHING;
		`, strings.ToUpper(prefix)); err != nil {
			return fmt.Errorf("seed id_counters: %w", err)
		}
		var next int
		if err := tx.QueryRowContext(ctx, `
			UPDATE id_counters SET next = next + 1 WHERE prefix = ?
			RETURNING next - 1;
		`, strings.ToUpper(prefix)).Scan(&next); err != nil {
			return fmt.Errorf("mint task id: %w", err)
		}
		taskID = fmt.Sprintf("%s-%03d", strings.ToUpper(prefix), next)

		status := TaskStatusPending
		if len(in.BlockedBy) > 0 {
			status = TaskStatusBlocked
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, group_id, parent_id, revision_of, title, description, task_type,
				priority, assigned_to, assigned_by, status, created_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, in.GroupID, nullString(in.ParentID), nullString(in.RevisionOf),
			in.Title, in.Description, in.TaskType, priority, in.AssignedTo,
			in.AssignedBy, status, in.CreatedBy); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		for _, blocker := range in.BlockedBy {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, blocked_by, resolved)
				VALUES (?, ?, 0);
			`, taskID, blocker); err != nil {
				return fmt.Errorf("insert dependency edge: %w", err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// CreateTaskInput is the input to CreateTask.
type CreateTaskInput struct {
	GroupID     string
	ParentID    string
	RevisionOf  string
	Title       string
	Description string
	TaskType    string
	Priority    string
	AssignedTo  string
	AssignedBy  string
	CreatedBy   string
	BlockedBy   []string
}

// GetTask fetches a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// GetGroupTasks lists all tasks belonging to a group.
func (s *Store) GetGroupTasks(ctx context.Context, groupID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at ASC;`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		err := rows.Scan(
			&t.ID, &t.GroupID, &nullStringScanner{&t.ParentID}, &nullStringScanner{&t.RevisionOf},
			&t.Title, &t.Description, &t.TaskType, &t.Priority, &t.AssignedTo,
			&t.AssignedBy, &nullStringScanner{&t.ClaimedBy}, &t.Status, &t.CreatedBy,
			&t.CreatedAt, scanNullTime(&t.StartedAt), scanNullTime(&t.CompletedAt),
			&nullStringScanner{&t.RejectionReason}, &nullStringScanner{&t.OutputText},
		)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// BoardFilters narrows GetBoard's and SearchTasks' result set. Zero values
// mean "no filter".
type BoardFilters struct {
	GroupID    string
	AssignedTo string
	ClaimedBy  string
	TaskType   string
	Priority   string
}

func (f BoardFilters) whereClause() (string, []any) {
	var clauses []string
	var args []any
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority = ?")
		args = append(args, f.Priority)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetBoard returns tasks grouped by status, subject to filters.
func (s *Store) GetBoard(ctx context.Context, filters BoardFilters) (map[TaskStatus][]*Task, error) {
	where, args := filters.whereClause()
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	defer rows.Close()
	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}
	board := make(map[TaskStatus][]*Task)
	for _, t := range tasks {
		board[t.Status] = append(board[t.Status], t)
	}
	return board, nil
}

// SearchTasks performs a case-insensitive substring match on title and
// description, subject to the same filters as GetBoard.
func (s *Store) SearchTasks(ctx context.Context, query string, filters BoardFilters) (total int, tasks []*Task, err error) {
	where, args := filters.whereClause()
	likeClause := "(title LIKE ? ESCAPE '\\' OR description LIKE ? ESCAPE '\\')"
	like := "%" + escapeLike(query) + "%"
	if where == "" {
		where = " WHERE " + likeClause
	} else {
		where += " AND " + likeClause
	}
	args = append(args, like, like)

	rows, queryErr := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at ASC;`, args...)
	if queryErr != nil {
		return 0, nil, fmt.Errorf("search tasks: %w", queryErr)
	}
	defer rows.Close()
	tasks, err = scanTaskRows(rows)
	if err != nil {
		return 0, nil, err
	}
	return len(tasks), tasks, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// ClaimTask is the race-free atomic claim: among tasks where
// assigned_to=role AND status=pending AND claimed_by IS NULL, select the
// one with the highest priority (critical>high>medium>low, unknown last)
// and oldest created_at, and in the same transaction set
// claimed_by=instance, status=in_progress, started_at=now. Returns nil,
// nil if no task matches (this is not an error: spec's Conflict category
// treats "nothing to claim" as a normal empty result).
func (s *Store) ClaimTask(ctx context.Context, role, instance string) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, priority, created_at FROM tasks
			WHERE assigned_to = ? AND status = ? AND claimed_by IS NULL;
		`, role, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		type candidate struct {
			id        string
			priority  string
			createdAt time.Time
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.priority, &c.createdAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan claim candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(candidates) == 0 {
			return nil
		}

		best := candidates[0]
		bestRank := PriorityRank(best.priority)
		for _, c := range candidates[1:] {
			rank := PriorityRank(c.priority)
			if rank < bestRank || (rank == bestRank && c.createdAt.Before(best.createdAt)) {
				best = c
				bestRank = rank
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET claimed_by = ?, status = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND claimed_by IS NULL;
		`, instance, TaskStatusInProgress, best.id, TaskStatusPending)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Lost the race to another caller between the select and the
			// update (shouldn't happen under single-writer serialization,
			// but defends against a future multi-writer backend).
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed, err = s.GetTask(ctx, best.id)
		return err
	})
	return claimed, err
}

// CompleteTask sets status=completed, completed_at=now, persists output,
// and resolves dependent edges (§4.4.3). It does not emit any bus event —
// that is the caller's (Agent Loop's) responsibility, so that recovery
// code completing a task in the background can choose not to emit.
func (s *Store) CompleteTask(ctx context.Context, id, output string) (*Task, error) {
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP, output_text = ?
			WHERE id = ?;
		`, TaskStatusCompleted, output, id)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return ErrNotFound
		}
		if err := resolveDependenciesTx(ctx, tx, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// resolveDependenciesTx marks every unresolved edge blocked_by=id as
// resolved, then transitions any blocked task whose unresolved edge count
// has dropped to zero into pending.
func resolveDependenciesTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_dependencies SET resolved = 1, resolved_at = CURRENT_TIMESTAMP
		WHERE blocked_by = ? AND resolved = 0;
	`, id); err != nil {
		return fmt.Errorf("resolve dependency edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE status = ? AND NOT EXISTS (
			SELECT 1 FROM task_dependencies
			WHERE task_dependencies.task_id = tasks.id AND task_dependencies.resolved = 0
		);
	`, TaskStatusPending, TaskStatusBlocked); err != nil {
		return fmt.Errorf("unblock dependent tasks: %w", err)
	}
	return nil
}

// RejectTask sets status=rejected, rejection_reason=reason,
// completed_at=now.
func (s *Store) RejectTask(ctx context.Context, id, reason string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, rejection_reason = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, TaskStatusRejected, reason, id)
	if err != nil {
		return nil, fmt.Errorf("reject task: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// TaskPatch holds the fields PATCH /api/tasks/{id} may mutate. A nil
// field is left unchanged; structural fields (group, assignment,
// dependencies) are immutable after creation and have no patch path.
type TaskPatch struct {
	Priority    *string
	Description *string
}

// UpdateTask applies a partial update to a task's mutable fields.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	if patch.Priority == nil && patch.Description == nil {
		return s.GetTask(ctx, id)
	}
	var sets []string
	var args []any
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET %s WHERE id = ?;
	`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// CancelTask sets status=cancelled, rejection_reason=reason,
// completed_at=now.
func (s *Store) CancelTask(ctx context.Context, id, reason string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, rejection_reason = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, TaskStatusCancelled, reason, id)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if affected == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(ctx, id)
}

// FailTask sets status=failed and recursively fails every task
// transitively blocked by id, marking each traversed edge resolved.
func (s *Store) FailTask(ctx context.Context, id string) (*Task, error) {
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, TaskStatusFailed, id)
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return err
		} else if affected == 0 {
			return ErrNotFound
		}
		if err := cascadeFailureTx(ctx, tx, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// cascadeFailureTx recursively fails every task blocked (directly or
// transitively) on failedID, resolving each traversed edge. Termination
// is guaranteed by the DAG depth: cycles are impossible because
// HasCycle rejects edge creation that would close one.
func cascadeFailureTx(ctx context.Context, tx *sql.Tx, failedID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id FROM task_dependencies
		WHERE blocked_by = ? AND resolved = 0;
	`, failedID)
	if err != nil {
		return fmt.Errorf("select dependents: %w", err)
	}
	var dependents []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			rows.Close()
			return err
		}
		dependents = append(dependents, depID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, depID := range dependents {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_dependencies SET resolved = 1, resolved_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND blocked_by = ?;
		`, depID, failedID); err != nil {
			return fmt.Errorf("resolve edge in cascade: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ? WHERE id = ? AND status = ?;
		`, TaskStatusFailed, depID, TaskStatusBlocked)
		if err != nil {
			return fmt.Errorf("cascade fail dependent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 1 {
			if err := cascadeFailureTx(ctx, tx, depID); err != nil {
				return err
			}
		}
	}
	return nil
}

// HasCycle reports whether adding the edge (taskID, blockedByID) would
// close a dependency cycle: taskID==blockedByID is the trivial cycle;
// otherwise it is a cycle iff there is already an unresolved dependency
// path from taskID back up to blockedByID, found by BFS walking "who is X
// blocked by" edges starting from blockedByID.
func (s *Store) HasCycle(ctx context.Context, taskID, blockedByID string) (bool, error) {
	if taskID == blockedByID {
		return true, nil
	}
	visited := map[string]bool{blockedByID: true}
	queue := []string{blockedByID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		rows, err := s.db.QueryContext(ctx, `
			SELECT blocked_by FROM task_dependencies
			WHERE task_id = ? AND resolved = 0;
		`, current)
		if err != nil {
			return false, fmt.Errorf("cycle scan: %w", err)
		}
		var upstream []string
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return false, err
			}
			upstream = append(upstream, u)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return false, err
		}
		rows.Close()

		for _, u := range upstream {
			if u == taskID {
				return true, nil
			}
			if !visited[u] {
				visited[u] = true
				queue = append(queue, u)
			}
		}
	}
	return false, nil
}

// AddDependency inserts a (taskID, blockedByID) edge after confirming it
// would not close a cycle, transitioning taskID to blocked if it isn't
// already.
func (s *Store) AddDependency(ctx context.Context, taskID, blockedByID string) error {
	cyclic, err := s.HasCycle(ctx, taskID, blockedByID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%w: adding dependency %s -> %s would create a cycle", ErrInvalidInput, taskID, blockedByID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, blocked_by, resolved) VALUES (?, ?, 0)
		ON CONFLICT(task_id, blocked_by) DO NOTHING;
	`, taskID, blockedByID)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ? WHERE id = ? AND status = ?;
	`, TaskStatusBlocked, taskID, TaskStatusPending)
	if err != nil {
		return fmt.Errorf("mark task blocked: %w", err)
	}
	return nil
}

// RecoverOrphanedTasks resets every in_progress task (claimed by a worker
// that crashed before completing it) back to pending. Returns the IDs
// recovered.
func (s *Store) RecoverOrphanedTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ?;
	`, TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("select orphaned tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = NULL, started_at = NULL
		WHERE status = ?;
	`, TaskStatusPending, TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	return ids, nil
}

// RecoverStuckBlockedTasks repairs blocked tasks whose blockers have all
// reached a terminal state but whose edges were never resolved — e.g. a
// crash between CompleteTask's UPDATE and its dependency-resolution step.
// For each such unresolved edge: mark it resolved; if the blocker failed,
// cascade-fail the dependent; otherwise, once a task's edge count reaches
// zero, transition it to pending.
func (s *Store) RecoverStuckBlockedTasks(ctx context.Context) ([]string, error) {
	var repaired []string
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stuck-recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT task_dependencies.task_id, task_dependencies.blocked_by, tasks.status
			FROM task_dependencies
			JOIN tasks ON tasks.id = task_dependencies.blocked_by
			WHERE task_dependencies.resolved = 0
			  AND tasks.status IN (?, ?);
		`, TaskStatusCompleted, TaskStatusFailed)
		if err != nil {
			return fmt.Errorf("select stuck edges: %w", err)
		}
		type stuckEdge struct {
			taskID, blockedBy, blockerStatus string
		}
		var edges []stuckEdge
		for rows.Next() {
			var e stuckEdge
			if err := rows.Scan(&e.taskID, &e.blockedBy, &e.blockerStatus); err != nil {
				rows.Close()
				return err
			}
			edges = append(edges, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		touched := map[string]bool{}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_dependencies SET resolved = 1, resolved_at = CURRENT_TIMESTAMP
				WHERE task_id = ? AND blocked_by = ?;
			`, e.taskID, e.blockedBy); err != nil {
				return fmt.Errorf("resolve stuck edge: %w", err)
			}
			touched[e.taskID] = true
			if e.blockerStatus == string(TaskStatusFailed) {
				res, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status = ? WHERE id = ? AND status = ?;
				`, TaskStatusFailed, e.taskID, TaskStatusBlocked)
				if err != nil {
					return fmt.Errorf("cascade-fail stuck task: %w", err)
				}
				if affected, _ := res.RowsAffected(); affected == 1 {
					if err := cascadeFailureTx(ctx, tx, e.taskID); err != nil {
						return err
					}
				}
			}
		}

		for taskID := range touched {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?
				WHERE id = ? AND status = ? AND NOT EXISTS (
					SELECT 1 FROM task_dependencies
					WHERE task_dependencies.task_id = tasks.id AND task_dependencies.resolved = 0
				);
			`, TaskStatusPending, taskID, TaskStatusBlocked)
			if err != nil {
				return fmt.Errorf("unblock repaired task: %w", err)
			}
			if affected, _ := res.RowsAffected(); affected == 1 {
				repaired = append(repaired, taskID)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return repaired, nil
}
