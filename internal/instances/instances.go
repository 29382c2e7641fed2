// Package instances is the Instance Manager: tracks the running set of
// worker instances, their per-role pause flags, and heartbeat staleness.
// It is grounded on the teacher's agent registry bookkeeping style (a
// store-backed map with last-writer-wins status transitions) but every
// entity lives in internal/store — this package holds no state of its
// own.
package instances

import (
	"context"
	"time"

	"github.com/basket/fleetboard/internal/store"
)

// StaleThreshold is the heartbeat age past which a worker instance is
// considered suspect (spec §4.3: 10 minutes).
const StaleThreshold = 10 * time.Minute

// Manager is a thin, stateless wrapper over the store's instance
// bookkeeping.
type Manager struct {
	store *store.Store
}

// New wraps store as an instance Manager.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Register upserts an instance row with status=idle.
func (m *Manager) Register(ctx context.Context, instanceID, role string) (*store.Instance, error) {
	return m.store.RegisterInstance(ctx, instanceID, role)
}

// Get fetches a single instance.
func (m *Manager) Get(ctx context.Context, instanceID string) (*store.Instance, error) {
	return m.store.GetInstance(ctx, instanceID)
}

// UpdateStatus is a last-writer-wins status transition. Pass
// currentTask="" to clear it.
func (m *Manager) UpdateStatus(ctx context.Context, instanceID string, status store.InstanceStatus, currentTask string) error {
	return m.store.UpdateInstanceStatus(ctx, instanceID, status, currentTask)
}

// Heartbeat marks an instance alive.
func (m *Manager) Heartbeat(ctx context.Context, instanceID string) error {
	return m.store.Heartbeat(ctx, instanceID)
}

// PauseRole stops role's loops from claiming new tasks.
func (m *Manager) PauseRole(ctx context.Context, role string) error {
	return m.store.PauseRole(ctx, role)
}

// ResumeRole re-allows role's loops to claim tasks.
func (m *Manager) ResumeRole(ctx context.Context, role string) error {
	return m.store.ResumeRole(ctx, role)
}

// IsRolePaused reports whether role is currently paused.
func (m *Manager) IsRolePaused(ctx context.Context, role string) (bool, error) {
	return m.store.IsRolePaused(ctx, role)
}

// ByRole lists every instance registered for role.
func (m *Manager) ByRole(ctx context.Context, role string) ([]*store.Instance, error) {
	return m.store.ListInstancesByRole(ctx, role)
}

// All lists every registered instance.
func (m *Manager) All(ctx context.Context) ([]*store.Instance, error) {
	return m.store.ListInstances(ctx)
}

// IsStale reports whether inst's last heartbeat is older than
// StaleThreshold as of now.
func IsStale(inst *store.Instance, now time.Time) bool {
	return now.Sub(inst.LastHeartbeat) > StaleThreshold
}

// Suspect returns every registered instance whose heartbeat is stale.
// Callers (typically a periodic sweep alongside the auto-scaler tick)
// use this to decide which claimed tasks need requeuing.
func (m *Manager) Suspect(ctx context.Context, now time.Time) ([]*store.Instance, error) {
	all, err := m.store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	var suspect []*store.Instance
	for _, inst := range all {
		if inst.Status == store.InstanceStatusOffline {
			continue
		}
		if IsStale(inst, now) {
			suspect = append(suspect, inst)
		}
	}
	return suspect, nil
}
