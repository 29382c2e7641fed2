package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/store"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(Config{Board: board.New(s)})
}

func TestCreate_RejectsInvalidCronExpression(t *testing.T) {
	sc := newTestScheduler(t)
	_, err := sc.Create(context.Background(), store.Schedule{
		CronExpr:   "not a cron expression",
		TaskTitle:  "daily report",
		AssignedTo: "analyst",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestTick_FiresDueScheduleAndCreatesTask(t *testing.T) {
	sc := newTestScheduler(t)
	ctx := context.Background()

	sch, err := sc.Create(ctx, store.Schedule{
		CronExpr:   "* * * * *",
		GroupTitle: "daily sweep",
		TaskTitle:  "run daily sweep",
		AssignedTo: "coder",
		CreatedBy:  "pm",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sc.Tick(ctx)

	after, err := sc.Get(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if after.LastRunAt == nil {
		t.Fatal("last_run_at should be set after a due schedule fires")
	}
	if after.NextRunAt == nil {
		t.Fatal("next_run_at should be set after firing")
	}

	grouped, err := sc.board.GetBoard(ctx, store.BoardFilters{AssignedTo: "coder"})
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	pending := grouped[store.TaskStatusPending]
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task created by the schedule, got %d", len(pending))
	}
	if pending[0].Title != "run daily sweep" {
		t.Fatalf("task title = %q, want %q", pending[0].Title, "run daily sweep")
	}
}

func TestTick_SkipsScheduleNotYetDue(t *testing.T) {
	sc := newTestScheduler(t)
	ctx := context.Background()

	// A cron expression that only fires at midnight on Jan 1st is
	// virtually never due at test time, but we confirm via next_run_at
	// staying unset rather than relying on wall-clock luck: run Tick
	// once to seed next_run_at, then a second time to confirm the
	// schedule isn't re-fired before its computed next_run_at.
	sch, err := sc.Create(ctx, store.Schedule{
		CronExpr:   "0 0 1 1 *",
		TaskTitle:  "new year task",
		AssignedTo: "coder",
		CreatedBy:  "pm",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sc.Tick(ctx)
	first, err := sc.Get(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if first.LastRunAt == nil {
		t.Fatal("schedule with no prior next_run_at should fire on first tick")
	}

	sc.Tick(ctx)
	second, err := sc.Get(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !second.LastRunAt.Equal(*first.LastRunAt) {
		t.Fatal("schedule should not re-fire before its computed next_run_at")
	}
}

func TestStartStop_RunsWithoutPanicking(t *testing.T) {
	sc := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sc.Start(ctx)
	<-ctx.Done()
	sc.Stop()
}
