// Package board is the Task Board: the orchestration surface the Agent
// Loop, Auto-Scaler, and Dashboard API call to create, claim, and resolve
// work. It is a thin, stateless wrapper over internal/store — the Board
// owns no state of its own beyond input validation, since spec ownership
// places every entity in the Store (§3, "Ownership"). The Board itself
// never emits bus events: per §4.4.5, that is the caller's responsibility,
// so that background recovery code can choose whether to emit.
package board

import (
	"context"
	"fmt"

	"github.com/basket/fleetboard/internal/store"
)

var validPriorities = map[string]bool{
	string(store.PriorityCritical): true,
	string(store.PriorityHigh):     true,
	string(store.PriorityMedium):   true,
	string(store.PriorityLow):      true,
}

// Board wraps a Store with the task-board operations of spec §4.4.
type Board struct {
	store *store.Store
}

// New wraps store as a Board.
func New(s *store.Store) *Board {
	return &Board{store: s}
}

// Store exposes the underlying store for packages (instances, webhook,
// dashboard) that need direct access beyond the board's narrow surface.
func (b *Board) Store() *store.Store { return b.store }

// CreateGroup mints a group under created_by's prefix (or "GRP").
func (b *Board) CreateGroup(ctx context.Context, title, origin, createdBy string) (*store.Group, error) {
	return b.store.CreateGroup(ctx, title, origin, createdBy)
}

// GetGroup fetches a single group.
func (b *Board) GetGroup(ctx context.Context, id string) (*store.Group, error) {
	return b.store.GetGroup(ctx, id)
}

// GetGroups lists groups, optionally filtered by status.
func (b *Board) GetGroups(ctx context.Context, status string) ([]*store.Group, error) {
	return b.store.GetGroups(ctx, status)
}

// CreateTaskInput mirrors store.CreateTaskInput at the Board boundary so
// callers (the dashboard HTTP layer, the Agent Loop's routing code) never
// import internal/store directly for simple task creation.
type CreateTaskInput = store.CreateTaskInput

// CreateTask validates priority (defaulting to medium) and required
// fields, then mints a task ID under assigned_to's prefix, setting
// status=blocked iff blocked_by is non-empty.
func (b *Board) CreateTask(ctx context.Context, in CreateTaskInput) (*store.Task, error) {
	if in.Priority == "" {
		in.Priority = string(store.PriorityMedium)
	}
	if !validPriorities[in.Priority] {
		return nil, fmt.Errorf("%w: invalid priority %q", store.ErrInvalidInput, in.Priority)
	}
	return b.store.CreateTask(ctx, in)
}

// GetTask fetches a single task.
func (b *Board) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return b.store.GetTask(ctx, id)
}

// GetGroupTasks lists every task in a group.
func (b *Board) GetGroupTasks(ctx context.Context, groupID string) ([]*store.Task, error) {
	return b.store.GetGroupTasks(ctx, groupID)
}

// ClaimTask atomically claims the highest-priority, oldest pending task
// assigned to role, or returns (nil, nil) if none match.
func (b *Board) ClaimTask(ctx context.Context, role, instance string) (*store.Task, error) {
	return b.store.ClaimTask(ctx, role, instance)
}

// CompleteTask persists completion, resolves dependent edges, and then
// checks whether the owning group is now fully complete, marking it so
// in the same call when it is.
func (b *Board) CompleteTask(ctx context.Context, id, output string) (*store.Task, error) {
	task, err := b.store.CompleteTask(ctx, id, output)
	if err != nil {
		return nil, err
	}
	if _, err := b.store.MarkGroupCompleted(ctx, task.GroupID); err != nil {
		return nil, fmt.Errorf("check group completion: %w", err)
	}
	return task, nil
}

// RejectTask sets status=rejected with a reason.
func (b *Board) RejectTask(ctx context.Context, id, reason string) (*store.Task, error) {
	return b.store.RejectTask(ctx, id, reason)
}

// FailTask sets status=failed and cascades failure to every transitively
// blocked dependent.
func (b *Board) FailTask(ctx context.Context, id string) (*store.Task, error) {
	return b.store.FailTask(ctx, id)
}

// CancelTask sets status=cancelled with a reason.
func (b *Board) CancelTask(ctx context.Context, id, reason string) (*store.Task, error) {
	return b.store.CancelTask(ctx, id, reason)
}

// UpdateTask applies a partial update to a task's mutable fields
// (priority, description). Structural fields are immutable after
// creation.
func (b *Board) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	return b.store.UpdateTask(ctx, id, patch)
}

// GetBoard returns tasks grouped by status, subject to filters.
func (b *Board) GetBoard(ctx context.Context, filters store.BoardFilters) (map[store.TaskStatus][]*store.Task, error) {
	return b.store.GetBoard(ctx, filters)
}

// SearchTasks performs a substring match on title/description.
func (b *Board) SearchTasks(ctx context.Context, query string, filters store.BoardFilters) (int, []*store.Task, error) {
	return b.store.SearchTasks(ctx, query, filters)
}

// HasCycle reports whether adding (taskID, blockedByID) would close a
// dependency cycle.
func (b *Board) HasCycle(ctx context.Context, taskID, blockedByID string) (bool, error) {
	return b.store.HasCycle(ctx, taskID, blockedByID)
}

// AddDependency adds a post-creation dependency edge, rejecting it if it
// would close a cycle.
func (b *Board) AddDependency(ctx context.Context, taskID, blockedByID string) error {
	return b.store.AddDependency(ctx, taskID, blockedByID)
}

// RecoverOrphanedTasks resets any task left in_progress by a crashed
// worker back to pending. Called once at boot.
func (b *Board) RecoverOrphanedTasks(ctx context.Context) ([]string, error) {
	return b.store.RecoverOrphanedTasks(ctx)
}

// RecoverStuckBlockedTasks repairs blocked tasks whose blockers all
// reached a terminal state but whose edges were never resolved. Called
// once at boot, after RecoverOrphanedTasks.
func (b *Board) RecoverStuckBlockedTasks(ctx context.Context) ([]string, error) {
	return b.store.RecoverStuckBlockedTasks(ctx)
}

// Recover runs both boot-recovery passes in the order spec §4.4.7
// requires: orphaned tasks first (so a worker that crashed mid-run
// doesn't look like a valid "completed blocker" to the second pass),
// then stuck-blocked repair.
func (b *Board) Recover(ctx context.Context) (orphaned, repaired []string, err error) {
	orphaned, err = b.RecoverOrphanedTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	repaired, err = b.RecoverStuckBlockedTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	return orphaned, repaired, nil
}
