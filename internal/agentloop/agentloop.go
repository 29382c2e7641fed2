// Package agentloop drives a single worker instance through its
// lifecycle: claim, build context, invoke a Runner, complete or fail.
// Grounded on the teacher's internal/engine worker-pool loop
// (goroutine-per-worker, ticker-driven poll, crash-isolated task
// handling) generalized from a single "claim chat task, call Brain"
// cycle into the state machine below.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/contextprov"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/shared"
	"github.com/basket/fleetboard/internal/store"
	"github.com/basket/fleetboard/internal/worktree"
)

// State is one of the fixed lifecycle states of §4.5.1.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateWorking  State = "working"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// RunResult is what a Runner reports back for a single task execution.
type RunResult struct {
	Output       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
	NumTurns     int
}

// Runner is the external agent driver. It is deliberately opaque: the
// loop never inspects how a task gets done, only whether it succeeded.
type Runner interface {
	Run(ctx context.Context, prompt, cwd string) (RunResult, error)
}

// RoleManifest is a peer role entry, used both for the caller's own
// routes_to list and (in "open" routing mode) the full peer manifest.
type RoleManifest struct {
	Name            string
	DisplayName     string
	AcceptsTaskType []string
	Description     string
}

// RoleConfig is the subset of a role's declared configuration the loop
// needs to build prompt context and route claims.
type RoleConfig struct {
	Name            string
	DisplayName     string
	TaskPrefix      string
	ContextIncludes []string // e.g. "parent_artifact"
	RoutesTo        []RoleManifest
	RoutingMode     string // "open" or "closed"
	PollInterval    time.Duration
}

// Peers resolves the full manifest of every other configured role,
// used when RoutingMode == "open".
type Peers interface {
	AllRoles() []RoleManifest
}

// Loop drives one worker instance.
type Loop struct {
	InstanceID string
	Role       RoleConfig

	board     *board.Board
	instances *instances.Manager
	bus       *bus.Bus
	runner    Runner
	logger    *slog.Logger

	contextRegistry *contextprov.Registry
	worktrees       *worktree.Manager
	peers           Peers

	state State
}

// Option configures optional Loop collaborators.
type Option func(*Loop)

// WithContextProviders wires an optional pluggable context registry.
func WithContextProviders(r *contextprov.Registry) Option {
	return func(l *Loop) { l.contextRegistry = r }
}

// WithWorktrees wires an optional worktree manager for per-claim
// working-directory isolation.
func WithWorktrees(m *worktree.Manager) Option {
	return func(l *Loop) { l.worktrees = m }
}

// WithPeers wires the peer-role manifest source for open routing mode.
func WithPeers(p Peers) Option {
	return func(l *Loop) { l.peers = p }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a Loop for instanceID under role, ready to Start.
func New(instanceID string, role RoleConfig, b *board.Board, im *instances.Manager, evBus *bus.Bus, runner Runner, opts ...Option) *Loop {
	l := &Loop{
		InstanceID: instanceID,
		Role:       role,
		board:      b,
		instances:  im,
		bus:        evBus,
		runner:     runner,
		logger:     slog.Default(),
		state:      StateStarting,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.Role.PollInterval <= 0 {
		l.Role.PollInterval = 2 * time.Second
	}
	return l
}

// State reports the loop's current lifecycle state.
func (l *Loop) State() State { return l.state }

// Start registers the instance and transitions starting → idle, then
// runs cycles until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	if _, err := l.instances.Register(ctx, l.InstanceID, l.Role.Name); err != nil {
		return fmt.Errorf("register instance %s: %w", l.InstanceID, err)
	}
	l.state = StateIdle
	l.emitStatusChanged(ctx)

	ticker := time.NewTicker(l.Role.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.state = StateStopped
			_ = l.instances.UpdateStatus(context.WithoutCancel(ctx), l.InstanceID, store.InstanceStatusOffline, "")
			return ctx.Err()
		default:
		}

		l.runOnceRecovered(ctx)

		select {
		case <-ctx.Done():
			l.state = StateStopped
			_ = l.instances.UpdateStatus(context.WithoutCancel(ctx), l.InstanceID, store.InstanceStatusOffline, "")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnceRecovered wraps RunOnce per §4.5.6: a panic or error escaping
// the cycle itself (not the task) is logged, the instance is forced
// back to idle, and the outer loop continues rather than crashing.
func (l *Loop) runOnceRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("agent loop cycle panicked", "instance", l.InstanceID, "role", l.Role.Name, "panic", r)
			l.state = StateIdle
			_ = l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusIdle, "")
		}
	}()
	if err := l.RunOnce(ctx); err != nil {
		l.logger.Error("agent loop cycle failed", "instance", l.InstanceID, "role", l.Role.Name, "error", err)
		l.state = StateIdle
		_ = l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusIdle, "")
	}
}

// RunOnce performs exactly one cycle per spec §4.5.2.
func (l *Loop) RunOnce(ctx context.Context) error {
	paused, err := l.instances.IsRolePaused(ctx, l.Role.Name)
	if err != nil {
		return fmt.Errorf("check role pause: %w", err)
	}
	if paused {
		if l.state != StatePaused {
			l.state = StatePaused
			if err := l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusPaused, ""); err != nil {
				return fmt.Errorf("mark paused: %w", err)
			}
			l.emitStatusChanged(ctx)
		}
		return nil
	}
	if l.state == StatePaused {
		l.state = StateIdle
		if err := l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusIdle, ""); err != nil {
			return fmt.Errorf("mark idle: %w", err)
		}
		l.emitStatusChanged(ctx)
	}

	task, err := l.board.ClaimTask(ctx, l.Role.Name, l.InstanceID)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return nil
	}

	return l.executeClaimedTask(ctx, task)
}

func (l *Loop) executeClaimedTask(ctx context.Context, task *store.Task) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger := l.logger.With("trace_id", traceID)

	l.state = StateWorking
	if err := l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusWorking, task.ID); err != nil {
		return fmt.Errorf("mark working: %w", err)
	}
	l.bus.EmitEvent(bus.Event{Topic: bus.TopicTaskClaimed, TraceID: traceID, Payload: map[string]any{"task_id": task.ID, "instance": l.InstanceID, "role": l.Role.Name}})

	defer func() {
		l.state = StateIdle
		if err := l.instances.UpdateStatus(ctx, l.InstanceID, store.InstanceStatusIdle, ""); err != nil {
			logger.Error("mark idle after cycle failed", "instance", l.InstanceID, "error", err)
		}
		if err := l.instances.Heartbeat(ctx, l.InstanceID); err != nil {
			logger.Error("heartbeat after cycle failed", "instance", l.InstanceID, "error", err)
		}
	}()

	prompt := l.buildPrompt(ctx, task)

	cwd := ""
	var wt *worktree.Worktree
	if l.worktrees != nil {
		acquired, err := l.worktrees.Acquire(ctx, l.InstanceID, task.ID)
		if err != nil {
			logger.Error("worktree acquire failed, running without isolation", "task_id", task.ID, "error", err)
		} else {
			wt = acquired
			cwd = wt.Path
			defer func() {
				if relErr := l.worktrees.Release(context.WithoutCancel(ctx), wt); relErr != nil {
					logger.Error("worktree release failed", "task_id", task.ID, "branch", wt.Branch, "error", relErr)
				}
			}()
		}
	}

	result, runErr := l.runner.Run(ctx, prompt, cwd)
	if result.InputTokens > 0 || result.OutputTokens > 0 || result.DurationMS > 0 {
		usage := store.TaskUsage{
			TaskID:       task.ID,
			AgentID:      l.InstanceID,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			CostUSD:      result.CostUSD,
			DurationMS:   result.DurationMS,
			NumTurns:     result.NumTurns,
		}
		if err := l.board.Store().RecordTaskUsage(ctx, usage); err != nil {
			logger.Error("record task usage failed", "task_id", task.ID, "error", err)
		}
	}

	if runErr != nil {
		logger.Warn("task execution failed", "task_id", task.ID, "instance", l.InstanceID, "error", runErr)
		if _, err := l.board.FailTask(ctx, task.ID); err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		l.bus.EmitEvent(bus.Event{Topic: bus.TopicTaskFailed, TraceID: traceID, Payload: map[string]any{"task_id": task.ID, "instance": l.InstanceID, "error": runErr.Error()}})
		return nil
	}

	if _, err := l.board.CompleteTask(ctx, task.ID, result.Output); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	l.bus.EmitEvent(bus.Event{Topic: bus.TopicTaskCompleted, TraceID: traceID, Payload: map[string]any{"task_id": task.ID, "instance": l.InstanceID}})
	return nil
}

func (l *Loop) emitStatusChanged(ctx context.Context) {
	inst, err := l.instances.Get(ctx, l.InstanceID)
	status := ""
	if err == nil {
		status = string(inst.Status)
	}
	l.bus.EmitEvent(bus.Event{Topic: bus.TopicAgentStatusChanged, TraceID: shared.TraceID(ctx), Payload: map[string]any{"instance": l.InstanceID, "role": l.Role.Name, "status": status}})
}

var errNoPeers = errors.New("no peer manifest source configured")

// allPeerRoles delegates to the wired Peers source, or returns
// errNoPeers if none is configured — open routing mode without a Peers
// source is a misconfiguration, not a silent empty manifest.
func (l *Loop) allPeerRoles() ([]RoleManifest, error) {
	if l.peers == nil {
		return nil, errNoPeers
	}
	return l.peers.AllRoles(), nil
}
