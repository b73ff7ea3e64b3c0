// ABOUTME: Agent registry: discovers reasoning engines and caches them behind human-facing names
// ABOUTME: Snapshots are swapped atomically; concurrent refreshes collapse into one upstream call

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/engine-gateway/internal/apperr"
)

// Backend kinds an agent can be served by.
const (
	BackendReasoningEngine = "reasoning_engine"
	BackendGemini          = "gemini"
)

// DefaultTTL is how long a snapshot is served before List refreshes it.
const DefaultTTL = 5 * time.Minute

// refreshTimeout bounds a single discovery call. Refresh runs detached from the
// triggering request because its result is shared by every waiter.
const refreshTimeout = 30 * time.Second

// ErrAgentNotFound indicates the requested agent name is not in the registry.
var ErrAgentNotFound = fmt.Errorf("agent not found: %w", apperr.ErrNotFound)

// ErrAgentUnavailable indicates the agent is known but has no backing engine.
var ErrAgentUnavailable = fmt.Errorf("agent unavailable: %w", apperr.ErrNotFound)

// Agent is a queryable reasoning engine under a stable, human-facing name.
type Agent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	EngineID    string `json:"-"`
	Backend     string `json:"-"`
	IsAvailable bool   `json:"is_available"`
}

// Engine is one resolvable engine reported by the control plane.
type Engine struct {
	ID          string
	DisplayName string
	Description string
}

// Discoverer lists the engines the control plane can currently resolve.
type Discoverer interface {
	ListEngines(ctx context.Context) ([]Engine, error)
}

// Snapshot is an immutable view of the registry at FetchedAt.
type Snapshot struct {
	Agents     []Agent
	FetchedAt  time.Time
	TTL        time.Duration
	Discovered bool // false when only static configuration contributed
}

// Stale reports whether the snapshot is older than its TTL at now.
func (s *Snapshot) Stale(now time.Time) bool {
	return s.FetchedAt.IsZero() || now.Sub(s.FetchedAt) > s.TTL
}

// Config configures a Registry.
type Config struct {
	Static     []Agent       // configured agents, in display order
	Discoverer Discoverer    // nil disables discovery
	TTL        time.Duration // 0 means DefaultTTL
	Logger     *slog.Logger
	Now        func() time.Time // for tests; defaults to time.Now
}

// Registry caches the agent list. Readers never block on each other and
// observe either the old or the new snapshot, never a mix.
type Registry struct {
	static     []Agent
	discoverer Discoverer
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group
}

// New creates a Registry. The initial snapshot holds the static agents and is
// already stale, so the first List performs discovery.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	static := make([]Agent, len(cfg.Static))
	for i, a := range cfg.Static {
		if a.Backend == "" {
			a.Backend = BackendReasoningEngine
		}
		if a.DisplayName == "" {
			a.DisplayName = a.Name
		}
		a.IsAvailable = a.EngineID != ""
		static[i] = a
	}

	r := &Registry{
		static:     static,
		discoverer: cfg.Discoverer,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		logger:     cfg.Logger.With("component", "registry"),
	}
	r.snap.Store(&Snapshot{Agents: static, TTL: cfg.TTL})
	return r
}

// Snapshot returns the current snapshot without refreshing.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// List returns the current agents, refreshing first when the snapshot is
// older than the TTL. A failed refresh still returns the previous snapshot.
// The returned slice must not be modified.
func (r *Registry) List(ctx context.Context) []Agent {
	snap := r.snap.Load()
	if !snap.Stale(r.now()) {
		return snap.Agents
	}

	fresh, err := r.Refresh(ctx)
	if err != nil {
		r.logger.Warn("agent refresh failed, serving previous snapshot", "error", err)
	}
	return fresh.Agents
}

// Refresh queries the control plane and installs a new snapshot. Concurrent
// calls share one discovery. On failure the registry keeps serving what it
// had, falling back to the static configuration when discovery has never
// succeeded, and the next List retries. The returned snapshot is always the
// one now current.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.refresh(refreshCtx)
	})

	select {
	case res := <-ch:
		return r.snap.Load(), res.Err
	case <-ctx.Done():
		return r.snap.Load(), ctx.Err()
	}
}

func (r *Registry) refresh(ctx context.Context) (*Snapshot, error) {
	if r.discoverer == nil {
		snap := &Snapshot{Agents: r.static, FetchedAt: r.now(), TTL: r.ttl}
		r.snap.Store(snap)
		return snap, nil
	}

	start := r.now()
	engines, err := r.discoverer.ListEngines(ctx)
	if err != nil {
		prev := r.snap.Load()
		if !prev.Discovered {
			// Keep FetchedAt so the next List tries discovery again.
			r.snap.Store(&Snapshot{Agents: r.static, FetchedAt: prev.FetchedAt, TTL: r.ttl})
		}
		return nil, fmt.Errorf("discovering engines: %w", err)
	}

	agents := r.merge(engines)
	snap := &Snapshot{Agents: agents, FetchedAt: r.now(), TTL: r.ttl, Discovered: true}
	r.snap.Store(snap)

	r.logger.Info("agent registry refreshed",
		"engines", len(engines),
		"agents", len(agents),
		"duration", r.now().Sub(start),
	)
	return snap, nil
}

// merge combines static configuration with discovered engines. Static agents
// keep their names and order; an engine whose display name matches a static
// agent's name or display name supplies that agent's engine ID. Remaining
// engines are appended under a slug of their display name.
func (r *Registry) merge(engines []Engine) []Agent {
	agents := make([]Agent, len(r.static))
	copy(agents, r.static)

	index := make(map[string]int, len(agents)*2)
	taken := make(map[string]bool, len(agents))
	for i, a := range agents {
		taken[a.Name] = true
		if a.Backend != BackendReasoningEngine {
			continue
		}
		index[strings.ToLower(a.Name)] = i
		index[strings.ToLower(a.DisplayName)] = i
	}

	for _, e := range engines {
		if e.ID == "" {
			continue
		}
		if i, ok := index[strings.ToLower(e.DisplayName)]; ok {
			agents[i].EngineID = e.ID
			agents[i].IsAvailable = true
			if agents[i].Description == "" {
				agents[i].Description = e.Description
			}
			continue
		}

		name := Slug(e.DisplayName)
		if name == "" {
			name = Slug(e.ID)
		}
		if taken[name] {
			r.logger.Debug("skipping engine with duplicate name", "name", name, "engine_id", e.ID)
			continue
		}
		taken[name] = true

		display := e.DisplayName
		if display == "" {
			display = name
		}
		agents = append(agents, Agent{
			Name:        name,
			DisplayName: display,
			Description: e.Description,
			EngineID:    e.ID,
			Backend:     BackendReasoningEngine,
			IsAvailable: true,
		})
	}
	return agents
}

// Resolve looks up an available agent by name in a fresh-enough snapshot.
func (r *Registry) Resolve(ctx context.Context, name string) (Agent, error) {
	for _, a := range r.List(ctx) {
		if a.Name != name {
			continue
		}
		if !a.IsAvailable {
			return Agent{}, apperr.Newf(ErrAgentUnavailable, "agent %q is not available", name)
		}
		return a, nil
	}
	return Agent{}, apperr.Newf(ErrAgentNotFound, "agent %q not found", name)
}

// HasAvailable reports whether the current snapshot has at least one available agent.
func (r *Registry) HasAvailable() bool {
	for _, a := range r.snap.Load().Agents {
		if a.IsAvailable {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err came from Resolve failing to find a usable agent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrAgentUnavailable)
}

// Slug turns a display name into a lower-case identifier of letters, digits and underscores.
func Slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore && b.Len() > 0 {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
