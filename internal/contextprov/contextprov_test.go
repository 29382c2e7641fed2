package contextprov

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/fleetboard/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, nil)
}

func TestGatherAll_CachesWithinTTL(t *testing.T) {
	r := newTestRegistry(t)
	calls := 0
	r.Register(NewStaticProvider("repo-state", time.Hour, func(ctx context.Context, scope string) (string, error) {
		calls++
		return "clean", nil
	}))

	for i := 0; i < 3; i++ {
		got := r.GatherAll(context.Background(), "task-1")
		if len(got) != 1 || got[0].Value != "clean" {
			t.Fatalf("gather %d = %+v, want [clean]", i, got)
		}
	}
	if calls != 1 {
		t.Fatalf("gather function called %d times, want 1 (cached)", calls)
	}
}

func TestGatherAll_OmitsEmptyContributions(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(NewStaticProvider("empty", time.Hour, func(ctx context.Context, scope string) (string, error) {
		return "", nil
	}))

	got := r.GatherAll(context.Background(), "task-1")
	if len(got) != 0 {
		t.Fatalf("got %+v, want no contributions for empty provider output", got)
	}
}

func TestGatherAll_ContinuesPastFailingProvider(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(NewStaticProvider("broken", time.Hour, func(ctx context.Context, scope string) (string, error) {
		return "", errors.New("boom")
	}))
	r.Register(NewStaticProvider("ok", time.Hour, func(ctx context.Context, scope string) (string, error) {
		return "fine", nil
	}))

	got := r.GatherAll(context.Background(), "task-1")
	if len(got) != 1 || got[0].Provider != "ok" {
		t.Fatalf("got %+v, want only the ok provider's contribution", got)
	}
}

func TestGatherAll_RecoversFromPanickingProvider(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(NewStaticProvider("panics", time.Hour, func(ctx context.Context, scope string) (string, error) {
		panic("unexpected")
	}))
	r.Register(NewStaticProvider("ok", time.Hour, func(ctx context.Context, scope string) (string, error) {
		return "fine", nil
	}))

	got := r.GatherAll(context.Background(), "task-1")
	if len(got) != 1 || got[0].Provider != "ok" {
		t.Fatalf("got %+v, want the panic isolated and ok's contribution kept", got)
	}
}
