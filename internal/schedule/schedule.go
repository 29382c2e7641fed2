// Package schedule fires cron-triggered recurring task creation,
// supplementing the board with scheduled work the way a human operator
// would file a recurring ticket. Grounded directly on the teacher's
// internal/cron.Scheduler tick-loop shape (time.Ticker-driven,
// cooperative context.Context shutdown), retargeted from the teacher's
// session-task model onto board groups/tasks.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// day-of-month, month, day-of-week), matching the teacher's parser
// field spec exactly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultInterval is how often the scheduler checks for due schedules.
const DefaultInterval = 1 * time.Minute

// Config holds a Scheduler's dependencies.
type Config struct {
	Board    *board.Board
	Logger   *slog.Logger
	Interval time.Duration // defaults to DefaultInterval if zero
}

// Scheduler periodically queries the store for due cron schedules and
// creates a task (and, when named, a fresh owning group) for each one.
type Scheduler struct {
	board    *board.Board
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		board:    cfg.Board,
		logger:   logger,
		interval: interval,
	}
}

// Create registers a new schedule, validating the cron expression
// up-front so a typo surfaces at creation time rather than at the next
// tick.
func (s *Scheduler) Create(ctx context.Context, sch store.Schedule) (*store.Schedule, error) {
	if _, err := cronParser.Parse(sch.CronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", sch.CronExpr, err)
	}
	return s.board.Store().CreateSchedule(ctx, sch)
}

// Get fetches one schedule by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.Schedule, error) {
	return s.board.Store().GetSchedule(ctx, id)
}

// List returns every registered schedule.
func (s *Scheduler) List(ctx context.Context) ([]*store.Schedule, error) {
	return s.board.Store().ListSchedules(ctx)
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.board.Store().DeleteSchedule(ctx, id)
}

// Start begins the scheduler loop in a background goroutine, firing
// immediately on startup and then once per interval until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule: started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule: stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one due-schedule sweep synchronously; exported for direct
// testing without a live ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.board.Store().DueSchedules(ctx, sql.NullTime{Time: now, Valid: true})
	if err != nil {
		s.logger.Error("schedule: failed to query due schedules", "error", err)
		return
	}
	for _, sch := range due {
		s.fire(ctx, sch, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule, now time.Time) {
	groupID, err := s.resolveGroup(ctx, sch)
	if err != nil {
		s.logger.Error("schedule: failed to resolve owning group", "schedule_id", sch.ID, "error", err)
		return
	}

	task, err := s.board.CreateTask(ctx, board.CreateTaskInput{
		GroupID:    groupID,
		Title:      sch.TaskTitle,
		TaskType:   sch.TaskType,
		AssignedTo: sch.AssignedTo,
		CreatedBy:  sch.CreatedBy,
	})
	if err != nil {
		s.logger.Error("schedule: failed to create task", "schedule_id", sch.ID, "error", err)
		return
	}

	next, err := nextRunTime(sch.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule: failed to compute next run time", "schedule_id", sch.ID, "cron_expr", sch.CronExpr, "error", err)
		return
	}
	if err := s.board.Store().MarkScheduleRun(ctx, sch.ID, next); err != nil {
		s.logger.Error("schedule: failed to record run", "schedule_id", sch.ID, "error", err)
		return
	}

	s.logger.Info("schedule: fired", "schedule_id", sch.ID, "task_id", task.ID, "next_run_at", next)
}

// resolveGroup creates a fresh group for this firing when the schedule
// names one (GroupTitle != ""), or falls back to the schedule's most
// recently created task's group so repeat firings without a group
// title accumulate under one goal.
func (s *Scheduler) resolveGroup(ctx context.Context, sch *store.Schedule) (string, error) {
	if sch.GroupTitle != "" {
		title := fmt.Sprintf("%s (%s)", sch.GroupTitle, time.Now().UTC().Format("2006-01-02"))
		g, err := s.board.CreateGroup(ctx, title, "schedule", sch.CreatedBy)
		if err != nil {
			return "", err
		}
		return g.ID, nil
	}

	g, err := s.board.CreateGroup(ctx, sch.TaskTitle, "schedule", sch.CreatedBy)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

// nextRunTime parses cronExpr and returns the next run time after
// after.
func nextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
