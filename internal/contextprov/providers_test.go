package contextprov

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/fleetboard/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIssueTrackerProvider_ListsPendingTasksByPriority(t *testing.T) {
	s := newTestStore(t)
	group, err := s.CreateGroup(context.Background(), "g", "manual", "tester")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := s.CreateTask(context.Background(), store.CreateTaskInput{
		GroupID: group.ID, Title: "fix the thing", TaskType: "code",
		Priority: "high", AssignedTo: "coder", CreatedBy: "tester",
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	p := NewIssueTrackerProvider(s)
	got, err := p.Gather(context.Background(), "")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !strings.Contains(got, "fix the thing") || !strings.Contains(got, "## Pending Issues") {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestIssueTrackerProvider_EmptyWhenNoPendingTasks(t *testing.T) {
	s := newTestStore(t)
	p := NewIssueTrackerProvider(s)
	got, err := p.Gather(context.Background(), "")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

func TestCrossTaskProvider_ListsInProgressTasks(t *testing.T) {
	s := newTestStore(t)
	group, err := s.CreateGroup(context.Background(), "g", "manual", "tester")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	task, err := s.CreateTask(context.Background(), store.CreateTaskInput{
		GroupID: group.ID, Title: "refactor module", TaskType: "code",
		AssignedTo: "coder", CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimTask(context.Background(), "coder", "coder-1"); err != nil {
		t.Fatalf("claim task: %v", err)
	}

	p := NewCrossTaskProvider(s)
	got, err := p.Gather(context.Background(), "")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !strings.Contains(got, task.ID) || !strings.Contains(got, "coder-1") {
		t.Fatalf("unexpected output: %q", got)
	}
}
