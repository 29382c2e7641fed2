// Command fleetboardd is the orchestrator daemon: it loads
// configuration, opens the store, wires every subsystem (board, agent
// loops, auto-scaler, webhooks, schedules, dashboard API), and serves
// until a termination signal arrives. Shutdown sequencing mirrors the
// teacher's cmd/goclaw/main.go: stop intake first (HTTP server), then
// drain running agent loops, then let the deferred store.Close() flush.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/fleetboard/internal/agentloop"
	"github.com/basket/fleetboard/internal/autoscaler"
	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/config"
	"github.com/basket/fleetboard/internal/contextprov"
	"github.com/basket/fleetboard/internal/dashboard"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/schedule"
	"github.com/basket/fleetboard/internal/store"
	"github.com/basket/fleetboard/internal/telemetry"
	"github.com/basket/fleetboard/internal/webhook"
	"github.com/basket/fleetboard/internal/worktree"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "load config", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "init logger", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found; wrote defaults", "home", cfg.HomeDir)
	}

	eventBus := bus.New(logger)

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer st.Close()

	b := board.New(st)
	im := instances.New(st)

	orphaned, repaired, err := b.Recover(ctx)
	if err != nil {
		fatal(logger, "boot recovery", err)
	}
	logger.Info("boot recovery complete", "orphaned_requeued", len(orphaned), "blocked_repaired", len(repaired))

	contextRegistry := contextprov.NewRegistry(st, logger)
	contextRegistry.Register(contextprov.NewIssueTrackerProvider(st))
	contextRegistry.Register(contextprov.NewCrossTaskProvider(st))
	if cfg.Worktree.RepoRoot != "" {
		contextRegistry.Register(contextprov.NewGitHistoryProvider(cfg.Worktree.RepoRoot))
	}

	var worktrees *worktree.Manager
	if cfg.Worktree.RepoRoot != "" {
		worktrees, err = worktree.New(cfg.Worktree.RepoRoot, cfg.Worktree.Root)
		if err != nil {
			fatal(logger, "init worktree manager", err)
		}
		logger.Info("worktree isolation enabled", "repo_root", cfg.Worktree.RepoRoot)
	}

	pool := newLoopPool(b, im, eventBus, contextRegistry, worktrees, logger)
	defer pool.stopAll()

	for _, role := range cfg.Roles {
		for i := 0; i < startingReplicas(role); i++ {
			instanceID := fmt.Sprintf("%s-%d", role.Name, i+1)
			if err := pool.spawn(ctx, instanceID, role, cfg.Roles); err != nil {
				logger.Error("spawn starting instance failed", "instance", instanceID, "error", err)
			}
		}
	}

	scaler := autoscaler.New(autoscaler.Config{
		Board:     b,
		Instances: im,
		Bus:       eventBus,
		Logger:    logger,
		Policies:  cfg.AutoScalePolicies(),
		Factory: func(ctx context.Context, instanceID string, policy autoscaler.RolePolicy) error {
			role := cfg.RoleByName(policy.Role)
			if role == nil {
				return fmt.Errorf("no role config for %q", policy.Role)
			}
			return pool.spawn(ctx, instanceID, *role, cfg.Roles)
		},
		Stopper: func(ctx context.Context, instanceID string) error {
			pool.stop(instanceID)
			return nil
		},
	})
	scaler.Start(ctx, time.Duration(cfg.AutoScaleIntervalSeconds)*time.Second)
	defer scaler.Stop()

	webhooks := webhook.New(st, logger)
	webhookSub := webhooks.Subscribe(eventBus)
	defer webhookSub.Close()

	sched := schedule.New(schedule.Config{
		Board:    b,
		Logger:   logger,
		Interval: time.Duration(cfg.ScheduleIntervalSeconds) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}
	go func() {
		for range watcher.Events() {
			logger.Info("config.yaml changed; restart to apply")
		}
	}()

	dash := dashboard.New(dashboard.Config{
		Board:          b,
		Instances:      im,
		Bus:            eventBus,
		Webhooks:       webhooks,
		Schedules:      sched,
		Scaler:         scaler,
		Logger:         logger,
		CORSOrigins:    cfg.Dashboard.CORSOrigins,
		TeamTokens:     cfg.Dashboard.TeamTokens,
		AuthEnabled:    cfg.Dashboard.AuthEnabled,
		AdminToken:     cfg.Dashboard.AdminToken,
		MaxRequestBody: cfg.Dashboard.MaxRequestBody,
		Restart:        stop,
	})

	httpServer := &http.Server{Addr: cfg.Dashboard.BindAddr, Handler: dash}
	ln, err := net.Listen("tcp", cfg.Dashboard.BindAddr)
	if err != nil {
		fatal(logger, "bind dashboard listener", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("dashboard listening", "addr", cfg.Dashboard.BindAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("dashboard server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// startingReplicas returns how many instances of role to start at boot:
// one if auto-scale is disabled (a fixed-size role), zero if enabled
// (the auto-scaler brings up the first instance once work arrives).
func startingReplicas(role config.RoleConfig) int {
	if role.AutoScale.Enabled {
		return 0
	}
	return 1
}

// loopPool tracks running agent loops so the auto-scaler's Factory/
// Stopper callbacks and boot-time starting replicas share one
// bookkeeping map.
type loopPool struct {
	mu        sync.Mutex
	loops     map[string]context.CancelFunc
	board     *board.Board
	im        *instances.Manager
	bus       *bus.Bus
	ctxRegs   *contextprov.Registry
	worktrees *worktree.Manager
	logger    *slog.Logger
}

func newLoopPool(b *board.Board, im *instances.Manager, evBus *bus.Bus, cr *contextprov.Registry, wt *worktree.Manager, logger *slog.Logger) *loopPool {
	return &loopPool{loops: make(map[string]context.CancelFunc), board: b, im: im, bus: evBus, ctxRegs: cr, worktrees: wt, logger: logger}
}

func (p *loopPool) spawn(ctx context.Context, instanceID string, role config.RoleConfig, allRoles []config.RoleConfig) error {
	p.mu.Lock()
	if _, exists := p.loops[instanceID]; exists {
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.loops[instanceID] = cancel
	p.mu.Unlock()

	runner := agentloop.ExecRunner{Command: agentCommand(), Timeout: 10 * time.Minute}
	opts := []agentloop.Option{
		agentloop.WithContextProviders(p.ctxRegs),
		agentloop.WithLogger(p.logger),
	}
	if p.worktrees != nil {
		opts = append(opts, agentloop.WithWorktrees(p.worktrees))
	}
	loop := agentloop.New(instanceID, toLoopRoleConfig(role, allRoles), p.board, p.im, p.bus, runner, opts...)
	go func() {
		if err := loop.Start(loopCtx); err != nil {
			p.logger.Error("agent loop exited", "instance", instanceID, "error", err)
		}
		p.mu.Lock()
		delete(p.loops, instanceID)
		p.mu.Unlock()
	}()
	return nil
}

func (p *loopPool) stop(instanceID string) {
	p.mu.Lock()
	cancel, ok := p.loops[instanceID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *loopPool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.loops {
		cancel()
	}
}

func toLoopRoleConfig(role config.RoleConfig, allRoles []config.RoleConfig) agentloop.RoleConfig {
	var routes []agentloop.RoleManifest
	for _, name := range role.RoutesTo {
		for _, r := range allRoles {
			if r.Name == name {
				routes = append(routes, agentloop.RoleManifest{
					Name: r.Name, DisplayName: r.DisplayName,
					AcceptsTaskType: r.AcceptsTaskType, Description: r.Description,
				})
			}
		}
	}
	return agentloop.RoleConfig{
		Name: role.Name, DisplayName: role.DisplayName, TaskPrefix: role.TaskPrefix,
		ContextIncludes: role.ContextIncludes, RoutesTo: routes, RoutingMode: role.RoutingMode,
	}
}

// agentCommand names the external agent binary fleetboardd shells out to
// for each claimed task. Overridable so deployments can point at
// whatever CLI the fleet actually runs.
func agentCommand() string {
	if cmd := os.Getenv("FLEETBOARD_AGENT_COMMAND"); cmd != "" {
		return cmd
	}
	return "fleetboard-agent"
}

func fatal(logger *slog.Logger, what string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "step", what, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "fatal: %s: %v\n", what, err)
	}
	os.Exit(1)
}
