package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGroup(t *testing.T, s *Store, role string) *Group {
	t.Helper()
	g, err := s.CreateGroup(context.Background(), "goal", "test", role)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func TestMintID_MonotonicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 40
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.MintID(ctx, "T")
			if err != nil {
				t.Errorf("mint id: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" {
			t.Fatal("empty id minted")
		}
		if seen[id] {
			t.Fatalf("duplicate id minted: %s", id)
		}
		seen[id] = true
	}
}

func TestClaimTask_RaceExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")
	task, err := s.CreateTask(ctx, CreateTaskInput{
		GroupID: g.ID, Title: "T1", AssignedTo: "coder", Priority: string(PriorityMedium), CreatedBy: "pm",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*Task, 2)
	for i, instance := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, instance string) {
			defer wg.Done()
			claimed, err := s.ClaimTask(ctx, "coder", instance)
			if err != nil {
				t.Errorf("claim task: %v", err)
				return
			}
			results[i] = claimed
		}(i, instance)
	}
	wg.Wait()

	var winners int
	for _, r := range results {
		if r != nil {
			winners++
			if r.ID != task.ID {
				t.Fatalf("claimed task id = %s, want %s", r.ID, task.ID)
			}
			if r.Status != TaskStatusInProgress {
				t.Fatalf("status = %s, want in_progress", r.Status)
			}
			if r.ClaimedBy != "a" && r.ClaimedBy != "b" {
				t.Fatalf("claimed_by = %q, want a or b", r.ClaimedBy)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	final, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.StartedAt == nil {
		t.Fatal("started_at must be set after claim")
	}
}

func TestClaimTask_PriorityOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")

	t1, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "low", AssignedTo: "coder", Priority: string(PriorityLow), CreatedBy: "pm"})
	time.Sleep(2 * time.Millisecond)
	t2, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "high", AssignedTo: "coder", Priority: string(PriorityHigh), CreatedBy: "pm"})
	time.Sleep(2 * time.Millisecond)
	t3, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "critical", AssignedTo: "coder", Priority: string(PriorityCritical), CreatedBy: "pm"})

	want := []string{t3.ID, t2.ID, t1.ID}
	for i, id := range want {
		claimed, err := s.ClaimTask(ctx, "coder", "x")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("claim %d: got nil, want %s", i, id)
		}
		if claimed.ID != id {
			t.Fatalf("claim %d: got %s, want %s", i, claimed.ID, id)
		}
	}
}

func TestDependencyResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")

	a, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "A", AssignedTo: "coder", CreatedBy: "pm"})
	b, err := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "B", AssignedTo: "tester", CreatedBy: "pm", BlockedBy: []string{a.ID}})
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	if b.Status != TaskStatusBlocked {
		t.Fatalf("B.status = %s, want blocked", b.Status)
	}

	if _, err := s.CompleteTask(ctx, a.ID, "done"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	bAfter, err := s.GetTask(ctx, b.ID)
	if err != nil {
		t.Fatalf("get B: %v", err)
	}
	if bAfter.Status != TaskStatusPending {
		t.Fatalf("B.status after A completes = %s, want pending", bAfter.Status)
	}
}

func TestFailureCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")

	a, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "A", AssignedTo: "coder", CreatedBy: "pm"})
	b, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "B", AssignedTo: "tester", CreatedBy: "pm", BlockedBy: []string{a.ID}})
	c, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "C", AssignedTo: "reviewer", CreatedBy: "pm", BlockedBy: []string{b.ID}})

	if _, err := s.FailTask(ctx, a.ID); err != nil {
		t.Fatalf("fail A: %v", err)
	}

	for _, id := range []string{a.ID, b.ID, c.ID} {
		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != TaskStatusFailed {
			t.Fatalf("%s.status = %s, want failed", id, got.Status)
		}
	}
}

func TestHasCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")

	a, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "A", AssignedTo: "coder", CreatedBy: "pm"})
	b, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "B", AssignedTo: "tester", CreatedBy: "pm", BlockedBy: []string{a.ID}})

	cyclic, err := s.HasCycle(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("has cycle: %v", err)
	}
	if !cyclic {
		t.Fatal("adding A blocked_by B should be a cycle (B already blocked_by A)")
	}

	selfCyclic, err := s.HasCycle(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("has cycle: %v", err)
	}
	if selfCyclic {
		t.Fatal("B blocked_by A already exists as a direct edge, not a new cycle")
	}

	trivial, err := s.HasCycle(ctx, a.ID, a.ID)
	if err != nil {
		t.Fatalf("has cycle trivial: %v", err)
	}
	if !trivial {
		t.Fatal("has_cycle(t, t) must be true")
	}
}

func TestRecoveryOnBoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := mustGroup(t, s, "pm")

	orphan, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "T1", AssignedTo: "coder", CreatedBy: "pm"})
	if _, err := s.ClaimTask(ctx, "coder", "x"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	blocker, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "Blocker", AssignedTo: "coder", CreatedBy: "pm"})
	blocked, _ := s.CreateTask(ctx, CreateTaskInput{GroupID: g.ID, Title: "Blocked", AssignedTo: "tester", CreatedBy: "pm", BlockedBy: []string{blocker.ID}})
	if _, err := s.CompleteTask(ctx, blocker.ID, ""); err != nil {
		t.Fatalf("complete blocker: %v", err)
	}
	// Simulate a crash between CompleteTask's status write and its
	// dependency-resolution step by forcing the edge back to unresolved.
	if _, err := s.db.ExecContext(ctx, `UPDATE task_dependencies SET resolved = 0, resolved_at = NULL WHERE task_id = ?;`, blocked.ID); err != nil {
		t.Fatalf("force unresolved edge: %v", err)
	}

	recovered, err := s.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("recover orphaned: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != orphan.ID {
		t.Fatalf("recovered = %v, want [%s]", recovered, orphan.ID)
	}

	orphanAfter, _ := s.GetTask(ctx, orphan.ID)
	if orphanAfter.Status != TaskStatusPending || orphanAfter.ClaimedBy != "" || orphanAfter.StartedAt != nil {
		t.Fatalf("orphan not reset: %+v", orphanAfter)
	}

	if _, err := s.RecoverStuckBlockedTasks(ctx); err != nil {
		t.Fatalf("recover stuck blocked: %v", err)
	}
	blockedAfter, _ := s.GetTask(ctx, blocked.ID)
	if blockedAfter.Status != TaskStatusPending {
		t.Fatalf("blocked.status = %s, want pending", blockedAfter.Status)
	}
}
