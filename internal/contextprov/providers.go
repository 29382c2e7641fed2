package contextprov

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/fleetboard/internal/store"
)

// GitHistoryProvider surfaces the current branch and recent commit log
// of repoRoot, the same "what changed recently" nudge the teacher's
// worktree manager already shells out for git state with
// exec.CommandContext (internal/worktree.Manager.Acquire/Release).
// Ported from original_source's GitHistoryProvider.
type GitHistoryProvider struct {
	repoRoot string
}

// NewGitHistoryProvider builds a GitHistoryProvider rooted at repoRoot.
func NewGitHistoryProvider(repoRoot string) *GitHistoryProvider {
	return &GitHistoryProvider{repoRoot: repoRoot}
}

func (p *GitHistoryProvider) Name() string       { return "git_history" }
func (p *GitHistoryProvider) TTL() time.Duration { return 5 * time.Minute }

func (p *GitHistoryProvider) Gather(ctx context.Context, scope string) (string, error) {
	branchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	branchOut, err := exec.CommandContext(branchCtx, "git", "-C", p.repoRoot, "branch", "--show-current").CombinedOutput()
	branch := "unknown"
	if err == nil {
		if b := strings.TrimSpace(string(branchOut)); b != "" {
			branch = b
		}
	}

	logCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	logOut, err := exec.CommandContext(logCtx, "git", "-C", p.repoRoot, "log", "--oneline", "-20").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git log: %w", err)
	}

	return fmt.Sprintf("## Git Context\nBranch: %s\n\nRecent commits:\n%s", branch, strings.TrimSpace(string(logOut))), nil
}

// IssueTrackerProvider surfaces the highest-priority pending tasks on
// the board, treating the task board itself as the issue tracker per
// original_source's IssueTrackerProvider ("reads from local task
// board").
type IssueTrackerProvider struct {
	store *store.Store
}

// NewIssueTrackerProvider wraps s as an IssueTrackerProvider.
func NewIssueTrackerProvider(s *store.Store) *IssueTrackerProvider {
	return &IssueTrackerProvider{store: s}
}

func (p *IssueTrackerProvider) Name() string       { return "issue_tracker" }
func (p *IssueTrackerProvider) TTL() time.Duration { return 5 * time.Minute }

func (p *IssueTrackerProvider) Gather(ctx context.Context, scope string) (string, error) {
	board, err := p.store.GetBoard(ctx, store.BoardFilters{})
	if err != nil {
		return "", fmt.Errorf("get board: %w", err)
	}
	pending := board[store.TaskStatusPending]
	if len(pending) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Pending Issues\n")
	for i, t := range pending {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "- [%s] %s: %s (-> %s)\n", t.Priority, t.ID, t.Title, t.AssignedTo)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// CrossTaskProvider surfaces every other task currently in progress, so
// an agent can avoid duplicating work a sibling instance already
// claimed. Ported from original_source's CrossTaskProvider.
type CrossTaskProvider struct {
	store *store.Store
}

// NewCrossTaskProvider wraps s as a CrossTaskProvider.
func NewCrossTaskProvider(s *store.Store) *CrossTaskProvider {
	return &CrossTaskProvider{store: s}
}

func (p *CrossTaskProvider) Name() string       { return "cross_task" }
func (p *CrossTaskProvider) TTL() time.Duration { return 1 * time.Minute }

func (p *CrossTaskProvider) Gather(ctx context.Context, scope string) (string, error) {
	board, err := p.store.GetBoard(ctx, store.BoardFilters{})
	if err != nil {
		return "", fmt.Errorf("get board: %w", err)
	}
	active := board[store.TaskStatusInProgress]
	if len(active) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Other Active Tasks\n")
	for i, t := range active {
		if i >= 10 {
			break
		}
		who := t.ClaimedBy
		if who == "" {
			who = t.AssignedTo
		}
		fmt.Fprintf(&b, "- %s: %s (by %s)\n", t.ID, t.Title, who)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
