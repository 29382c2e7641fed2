// Package contextprov is the pluggable context-provider registry of
// spec §4.5.4: each provider contributes an extra string to an agent's
// prompt context, cached with a TTL in the store's context_snapshots
// table. Grounded on internal/bus's handler-panic-recovery idiom
// (providers run like bus handlers: a single bad one must never break
// context assembly for the rest).
package contextprov

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/fleetboard/internal/store"
)

// Provider gathers one piece of optional context for scope (typically
// a task ID or role name).
type Provider interface {
	Name() string
	TTL() time.Duration
	Gather(ctx context.Context, scope string) (string, error)
}

// Registry caches provider output in the store, keyed by (name, scope).
type Registry struct {
	store     *store.Store
	providers []Provider
	logger    *slog.Logger
}

// NewRegistry builds an empty registry backed by s.
func NewRegistry(s *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger}
}

// Register adds a provider. Order is preserved in GatherAll's output.
func (r *Registry) Register(p Provider) {
	r.providers = append(r.providers, p)
}

// Contribution is one provider's named output.
type Contribution struct {
	Provider string
	Value    string
}

// GatherAll runs every registered provider for scope, serving cached
// values where still fresh. A provider that errors or panics is logged
// and simply omitted from the result — prompt assembly continues
// without its contribution, per spec §4.5.3.
func (r *Registry) GatherAll(ctx context.Context, scope string) []Contribution {
	out := make([]Contribution, 0, len(r.providers))
	for _, p := range r.providers {
		value, ok := r.gatherOne(ctx, p, scope)
		if ok && value != "" {
			out = append(out, Contribution{Provider: p.Name(), Value: value})
		}
	}
	return out
}

func (r *Registry) gatherOne(ctx context.Context, p Provider, scope string) (value string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("context provider panicked", "provider", p.Name(), "scope", scope, "panic", rec)
			value, ok = "", false
		}
	}()

	if cached, found, err := r.store.GetContextSnapshot(ctx, p.Name(), scope); err == nil && found {
		return cached, true
	}

	gathered, err := p.Gather(ctx, scope)
	if err != nil {
		r.logger.Error("context provider failed", "provider", p.Name(), "scope", scope, "error", err)
		return "", false
	}
	if gathered == "" {
		return "", false
	}
	if err := r.store.PutContextSnapshot(ctx, p.Name(), scope, gathered, p.TTL()); err != nil {
		r.logger.Error("cache context snapshot failed", "provider", p.Name(), "scope", scope, "error", err)
	}
	return gathered, true
}

// StaticProvider is a fixed-TTL provider wrapping a plain function,
// useful for simple registrations (environment summaries, repo state)
// that don't need their own type.
type StaticProvider struct {
	name string
	ttl  time.Duration
	fn   func(ctx context.Context, scope string) (string, error)
}

// NewStaticProvider wraps fn as a Provider named name with ttl.
func NewStaticProvider(name string, ttl time.Duration, fn func(ctx context.Context, scope string) (string, error)) *StaticProvider {
	return &StaticProvider{name: name, ttl: ttl, fn: fn}
}

func (s *StaticProvider) Name() string        { return s.name }
func (s *StaticProvider) TTL() time.Duration  { return s.ttl }
func (s *StaticProvider) Gather(ctx context.Context, scope string) (string, error) {
	if s.fn == nil {
		return "", fmt.Errorf("provider %s: no gather function configured", s.name)
	}
	return s.fn(ctx, scope)
}
