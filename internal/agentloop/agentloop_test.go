package agentloop

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	result  RunResult
	err     error
	lastCwd string
}

func (f *fakeRunner) Run(ctx context.Context, prompt, cwd string) (RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCwd = cwd
	return f.result, f.err
}

func newHarness(t *testing.T) (*board.Board, *instances.Manager, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := board.New(s)
	im := instances.New(s)
	evBus := bus.New(nil)
	return b, im, evBus
}

func TestRunOnce_ClaimsExecutesAndCompletes(t *testing.T) {
	b, im, evBus := newHarness(t)
	ctx := context.Background()

	g, err := b.CreateGroup(ctx, "goal", "test", "pm")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	task, err := b.CreateTask(ctx, board.CreateTaskInput{GroupID: g.ID, Title: "T", AssignedTo: "coder", CreatedBy: "pm"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := &fakeRunner{result: RunResult{Output: "done", InputTokens: 10, OutputTokens: 5}}
	loop := New("coder-1", RoleConfig{Name: "coder"}, b, im, evBus, runner)

	runCtx := contextWithImmediateCancelAfterOneCycle(ctx)
	if err := loop.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("start: %v", err)
	}

	got, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if runner.calls < 1 {
		t.Fatal("runner was never invoked")
	}
}

func TestRunOnce_FailsTaskOnRunnerError(t *testing.T) {
	b, im, evBus := newHarness(t)
	ctx := context.Background()

	g, _ := b.CreateGroup(ctx, "goal", "test", "pm")
	task, _ := b.CreateTask(ctx, board.CreateTaskInput{GroupID: g.ID, Title: "T", AssignedTo: "coder", CreatedBy: "pm"})

	runner := &fakeRunner{err: errors.New("boom")}
	loop := New("coder-1", RoleConfig{Name: "coder"}, b, im, evBus, runner)

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := b.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
}

func TestRunOnce_NoTaskReturnsWithoutError(t *testing.T) {
	b, im, evBus := newHarness(t)
	runner := &fakeRunner{}
	loop := New("coder-1", RoleConfig{Name: "coder"}, b, im, evBus, runner)

	if err := loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once on empty board: %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("runner called %d times, want 0", runner.calls)
	}
}

func TestRunOnce_PausedRoleSkipsClaim(t *testing.T) {
	b, im, evBus := newHarness(t)
	ctx := context.Background()

	g, _ := b.CreateGroup(ctx, "goal", "test", "pm")
	if _, err := b.CreateTask(ctx, board.CreateTaskInput{GroupID: g.ID, Title: "T", AssignedTo: "coder", CreatedBy: "pm"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := im.PauseRole(ctx, "coder"); err != nil {
		t.Fatalf("pause role: %v", err)
	}

	runner := &fakeRunner{}
	loop := New("coder-1", RoleConfig{Name: "coder"}, b, im, evBus, runner)
	if _, err := im.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if loop.State() != StatePaused {
		t.Fatalf("state = %s, want paused", loop.State())
	}
	if runner.calls != 0 {
		t.Fatal("runner should not be invoked while role is paused")
	}
}

// contextWithImmediateCancelAfterOneCycle lets Start's loop perform one
// poll cycle before stopping it, since Start otherwise runs until
// cancellation.
func contextWithImmediateCancelAfterOneCycle(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, 50*time.Millisecond)
	_ = cancel
	return ctx
}
