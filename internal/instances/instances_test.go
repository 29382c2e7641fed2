package instances

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fleetboard/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestRegister_DefaultsToIdle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	inst, err := m.Register(ctx, "coder-1", "coder")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.Status != store.InstanceStatusIdle {
		t.Fatalf("status = %s, want idle", inst.Status)
	}
}

func TestPauseResumeRole(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	paused, err := m.IsRolePaused(ctx, "coder")
	if err != nil {
		t.Fatalf("is role paused: %v", err)
	}
	if paused {
		t.Fatal("role should not start paused")
	}

	if err := m.PauseRole(ctx, "coder"); err != nil {
		t.Fatalf("pause role: %v", err)
	}
	paused, err = m.IsRolePaused(ctx, "coder")
	if err != nil {
		t.Fatalf("is role paused: %v", err)
	}
	if !paused {
		t.Fatal("role should be paused")
	}

	if err := m.ResumeRole(ctx, "coder"); err != nil {
		t.Fatalf("resume role: %v", err)
	}
	paused, err = m.IsRolePaused(ctx, "coder")
	if err != nil {
		t.Fatalf("is role paused: %v", err)
	}
	if paused {
		t.Fatal("role should be resumed")
	}
}

func TestSuspect_FlagsStaleHeartbeats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.Register(ctx, "coder-2", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}

	fresh := time.Now()
	suspect, err := m.Suspect(ctx, fresh)
	if err != nil {
		t.Fatalf("suspect: %v", err)
	}
	if len(suspect) != 0 {
		t.Fatalf("suspect = %v, want none (just registered)", suspect)
	}

	future := fresh.Add(StaleThreshold + time.Minute)
	suspect, err = m.Suspect(ctx, future)
	if err != nil {
		t.Fatalf("suspect: %v", err)
	}
	if len(suspect) != 2 {
		t.Fatalf("suspect = %d, want 2 after threshold elapses", len(suspect))
	}
}

func TestSuspect_IgnoresOfflineInstances(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Register(ctx, "coder-1", "coder"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.UpdateStatus(ctx, "coder-1", store.InstanceStatusOffline, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	future := time.Now().Add(StaleThreshold + time.Minute)
	suspect, err := m.Suspect(ctx, future)
	if err != nil {
		t.Fatalf("suspect: %v", err)
	}
	if len(suspect) != 0 {
		t.Fatalf("suspect = %v, want offline instances excluded", suspect)
	}
}
