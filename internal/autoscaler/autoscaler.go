// Package autoscaler elastically adjusts worker instance counts per
// role, driven by pending-queue depth. Grounded directly on
// original_source's auto_scaler.py for the scale-up/down arithmetic and
// cooldown bookkeeping, re-expressed with the teacher's
// internal/cron.Scheduler tick-loop shape (time.Ticker-driven,
// cooperative context.Context shutdown).
package autoscaler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/basket/fleetboard/internal/board"
	"github.com/basket/fleetboard/internal/bus"
	"github.com/basket/fleetboard/internal/instances"
	"github.com/basket/fleetboard/internal/store"
)

// Default cooldown and idle-threshold values (spec §4.6.4).
const (
	DefaultCooldown      = 60 * time.Second
	DefaultIdleThreshold = 300 * time.Second
	DefaultTickInterval  = 15 * time.Second
)

// RolePolicy is one role's auto-scale configuration.
type RolePolicy struct {
	Role                string
	Enabled             bool
	ScaleUpThreshold    int
	MaxInstances        int
	CooldownSeconds     int // 0 ⇒ DefaultCooldown
	IdleThresholdSeconds int // 0 ⇒ DefaultIdleThreshold
}

func (p RolePolicy) cooldown() time.Duration {
	if p.CooldownSeconds <= 0 {
		return DefaultCooldown
	}
	return time.Duration(p.CooldownSeconds) * time.Second
}

func (p RolePolicy) idleThreshold() time.Duration {
	if p.IdleThresholdSeconds <= 0 {
		return DefaultIdleThreshold
	}
	return time.Duration(p.IdleThresholdSeconds) * time.Second
}

// Factory spawns a new agent loop instance for role. Returning an error
// means the spawn did not take effect.
type Factory func(ctx context.Context, instanceID string, policy RolePolicy) error

// Stopper stops a running instance.
type Stopper func(ctx context.Context, instanceID string) error

// Scaler periodically inspects queue depth per role and spawns/stops
// instances to match it.
type Scaler struct {
	board     *board.Board
	instances *instances.Manager
	bus       *bus.Bus
	logger    *slog.Logger
	policies  map[string]RolePolicy
	factory   Factory
	stopper   Stopper

	mu            sync.Mutex
	extraInstances map[string]int
	lastScaleAt    map[scaleKey]time.Time // monotonic-derived timestamps only

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scaleKey struct {
	role      string
	direction string
}

// Config wires a Scaler's collaborators.
type Config struct {
	Board     *board.Board
	Instances *instances.Manager
	Bus       *bus.Bus
	Logger    *slog.Logger
	Policies  map[string]RolePolicy
	Factory   Factory // optional; nil ⇒ emit autoscale.needed instead
	Stopper   Stopper // optional; nil ⇒ emit autoscale.needed instead
}

// New builds a Scaler from cfg.
func New(cfg Config) *Scaler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scaler{
		board:          cfg.Board,
		instances:      cfg.Instances,
		bus:            cfg.Bus,
		logger:         logger,
		policies:       cfg.Policies,
		factory:        cfg.Factory,
		stopper:        cfg.Stopper,
		extraInstances: make(map[string]int),
		lastScaleAt:    make(map[scaleKey]time.Time),
	}
}

// Start runs the scaling loop every interval (DefaultTickInterval if
// interval <= 0) until ctx is cancelled.
func (s *Scaler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, interval)
	s.logger.Info("auto-scaler started", "interval", interval)
}

// Stop cancels the scaling loop and waits for it to exit.
func (s *Scaler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("auto-scaler stopped")
}

func (s *Scaler) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one scaling pass synchronously; exported for direct
// testing without a live ticker.
func (s *Scaler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scaler) tick(ctx context.Context) {
	for role, policy := range s.policies {
		if !policy.Enabled {
			continue
		}
		if err := s.checkAndScaleRole(ctx, role, policy); err != nil {
			s.logger.Error("auto-scaler tick failed", "role", role, "error", err)
		}
	}
}

func (s *Scaler) checkAndScaleRole(ctx context.Context, role string, policy RolePolicy) error {
	grouped, err := s.board.GetBoard(ctx, store.BoardFilters{AssignedTo: role})
	if err != nil {
		return err
	}
	pending := len(grouped[store.TaskStatusPending])

	roleInstances, err := s.instances.ByRole(ctx, role)
	if err != nil {
		return err
	}
	active := 0
	for _, inst := range roleInstances {
		if inst.Status == store.InstanceStatusIdle || inst.Status == store.InstanceStatusWorking {
			active++
		}
	}

	s.scaleUp(ctx, role, policy, pending, active)
	s.scaleDown(ctx, role, policy, pending, roleInstances)
	return nil
}

func (s *Scaler) scaleUp(ctx context.Context, role string, policy RolePolicy, pending, active int) {
	if pending <= policy.ScaleUpThreshold || active >= policy.MaxInstances {
		return
	}
	if s.onCooldown(role, "up", policy.cooldown()) {
		return
	}

	needed := min(pending-policy.ScaleUpThreshold, policy.MaxInstances-active)
	if needed <= 0 {
		return
	}

	s.mu.Lock()
	base := s.extraInstances[role]
	s.mu.Unlock()

	if s.factory == nil {
		s.logger.Warn("auto-scaler: no factory configured", "role", role, "needed", needed)
		s.bus.Emit(bus.TopicAutoscaleNeeded, map[string]any{"role": role, "direction": "up", "needed": needed})
		return
	}

	spawned := 0
	for i := 0; i < needed; i++ {
		instanceID := role + "-auto-" + strconv.Itoa(base+i+1)
		if err := s.factory(ctx, instanceID, policy); err != nil {
			s.logger.Error("auto-scaler spawn failed", "instance", instanceID, "role", role, "error", err)
			continue
		}
		spawned++
		s.logger.Info("auto-scaler spawned instance", "instance", instanceID, "role", role)
	}
	if spawned > 0 {
		s.mu.Lock()
		s.extraInstances[role] = base + spawned
		s.mu.Unlock()
		s.recordScale(role, "up")
	}
}

func (s *Scaler) scaleDown(ctx context.Context, role string, policy RolePolicy, pending int, roleInstances []*store.Instance) {
	s.mu.Lock()
	extra := s.extraInstances[role]
	s.mu.Unlock()

	if extra <= 0 || pending != 0 || s.onCooldown(role, "down", policy.cooldown()) {
		return
	}

	idleThreshold := policy.idleThreshold()
	now := time.Now()
	var candidates []*store.Instance
	for _, inst := range roleInstances {
		if inst.Status != store.InstanceStatusIdle {
			continue
		}
		if instances.IsStale(inst, now) {
			continue
		}
		if now.Sub(inst.LastHeartbeat) >= idleThreshold {
			candidates = append(candidates, inst)
		}
	}

	scaleDown := min(extra, len(candidates))
	if scaleDown <= 0 {
		return
	}

	if s.stopper == nil {
		s.logger.Warn("auto-scaler: no stopper configured", "role", role, "scale_down", scaleDown)
		s.bus.Emit(bus.TopicAutoscaleNeeded, map[string]any{"role": role, "direction": "down", "needed": scaleDown})
		return
	}

	stopped := 0
	for i := 0; i < scaleDown; i++ {
		inst := candidates[i]
		if err := s.stopper(ctx, inst.ID); err != nil {
			s.logger.Error("auto-scaler stop failed", "instance", inst.ID, "role", role, "error", err)
			continue
		}
		stopped++
		s.logger.Info("auto-scaler stopped instance", "instance", inst.ID, "role", role)
	}
	if stopped > 0 {
		s.mu.Lock()
		s.extraInstances[role] = max(0, extra-stopped)
		s.mu.Unlock()
		s.recordScale(role, "down")
	}
}

// onCooldown and recordScale use time.Time subtraction rather than
// comparing wall-clock instants directly; Go's time.Time carries a
// monotonic reading whenever obtained from time.Now(), so subtraction
// between two such values is immune to wall-clock adjustments, per
// spec §9's "never use wall clock for cooldowns".
func (s *Scaler) onCooldown(role, direction string, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastScaleAt[scaleKey{role, direction}]
	if !ok {
		return false
	}
	return time.Since(last) < cooldown
}

func (s *Scaler) recordScale(role, direction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScaleAt[scaleKey{role, direction}] = time.Now()
}

// Status is a point-in-time snapshot of scaling state, mirroring the
// original's get_scaling_status().
type Status struct {
	ExtraInstances map[string]int
}

// GetStatus returns the current per-role extra-instance counts.
func (s *Scaler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.extraInstances))
	for k, v := range s.extraInstances {
		out[k] = v
	}
	return Status{ExtraInstances: out}
}
