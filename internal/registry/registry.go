// Package registry owns the set of agent adapters: which exist, which are
// enabled, and keeping that in step with the config file.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ehrlich-b/agentisland/internal/agent"
	"github.com/ehrlich-b/agentisland/internal/bus"
	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/hooks"
	"github.com/ehrlich-b/agentisland/internal/logger"
)

// ErrUnknownAgent is returned for ids with no adapter.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrAgentConflict is returned by Enable when a different adapter already
// holds the id.
var ErrAgentConflict = errors.New("agent id held by another adapter")

// Builder constructs adapters. The daemon supplies the real one.
type Builder interface {
	Builtins() []agent.Adapter
	Custom(desc config.CustomAgent) agent.Adapter
}

// stopper is implemented by adapters that can detach on shutdown without
// undoing their installation.
type stopper interface {
	Stop(ctx context.Context) error
}

// described is implemented by adapters built from a custom_agents entry.
type described interface {
	Descriptor() config.CustomAgent
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// Registry serializes Enable, Disable and Reload under one mutex.
type Registry struct {
	path  string
	bus   *bus.Bus
	build Builder
	log   *slog.Logger

	mu       sync.Mutex
	runCtx   context.Context
	cfg      *config.Config
	adapters map[string]agent.Adapter
	order    []string
	enabled  map[string]bool
	watcher  *config.Watcher
	closed   bool

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

func New(path string, b *bus.Bus, build Builder, opts ...Option) *Registry {
	r := &Registry{
		path:     path,
		bus:      b,
		build:    build,
		runCtx:   context.Background(),
		cfg:      config.Default(),
		adapters: make(map[string]agent.Adapter),
		enabled:  make(map[string]bool),
		subs:     make(map[chan struct{}]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logger.For("registry")
	}
	return r
}

// Bootstrap loads the config, installs the enabled adapters, starts the bus
// and then the config watcher. ctx bounds the lifetime of everything started.
func (r *Registry) Bootstrap(ctx context.Context) error {
	cfg, err := config.Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	r.mu.Lock()
	r.runCtx = ctx
	r.cfg = cfg
	for _, a := range r.build.Builtins() {
		r.addLocked(a)
	}
	for _, desc := range cfg.CustomAgents {
		r.addLocked(r.build.Custom(desc))
	}
	for _, id := range cfg.EnabledAgents {
		a, ok := r.adapters[id]
		if !ok {
			r.log.Warn("enabled agent has no adapter", "agent", id)
			continue
		}
		if err := r.installLocked(ctx, a); err != nil {
			continue
		}
		r.bus.Register(a)
	}
	r.bus.Start(ctx)
	r.mu.Unlock()

	w, err := config.NewWatcher(r.path, r.onConfigChange,
		config.WithWatchDebounce(cfg.Intervals.ConfigDebounce),
		config.WithWatchLogger(r.log))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		r.log.Warn("config watcher unavailable", "err", err)
	} else {
		r.mu.Lock()
		r.watcher = w
		r.mu.Unlock()
	}
	r.notify()
	r.log.Info("registry ready", "enabled", r.Enabled())
	return nil
}

// Enable installs a and registers it with the bus. Enabling an enabled id is
// a no-op. On install failure the adapter stays disabled.
func (r *Registry) Enable(ctx context.Context, a agent.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if known, ok := r.adapters[a.ID()]; ok && known != a {
		return fmt.Errorf("%w: %s", ErrAgentConflict, a.ID())
	} else if !ok {
		r.addLocked(a)
	}
	if r.enabled[a.ID()] {
		return nil
	}
	if err := r.installLocked(ctx, a); err != nil {
		return err
	}
	r.bus.Register(a)
	r.bus.Start(r.runCtx)
	r.persistLocked()
	r.notify()
	return nil
}

// Disable uninstalls id and rebuilds the bus without it. Disabling a
// disabled id is a no-op. On uninstall failure the adapter stays enabled.
func (r *Registry) Disable(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled[id] {
		return nil
	}
	if err := r.uninstallLocked(ctx, r.adapters[id]); err != nil {
		return err
	}
	r.restartBusLocked()
	r.persistLocked()
	r.notify()
	return nil
}

// EnableID enables a known adapter by id.
func (r *Registry) EnableID(ctx context.Context, id string) error {
	a, ok := r.Adapter(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return r.Enable(ctx, a)
}

// DisableID is Disable with an unknown-id check.
func (r *Registry) DisableID(ctx context.Context, id string) error {
	if _, ok := r.Adapter(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return r.Disable(ctx, id)
}

// Reload re-reads the config file and reconciles: new custom descriptors get
// adapters, removed ones are dropped, and the enabled set follows the file.
// Reload never writes the file.
func (r *Registry) Reload(ctx context.Context) error {
	cfg, err := config.Load(r.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	wantCustom := make(map[string]config.CustomAgent, len(cfg.CustomAgents))
	for _, desc := range cfg.CustomAgents {
		wantCustom[desc.ID] = desc
	}
	for _, id := range slices.Clone(r.order) {
		d, ok := r.adapters[id].(described)
		if !ok {
			continue
		}
		if desc, keep := wantCustom[id]; keep && desc == d.Descriptor() {
			delete(wantCustom, id)
			continue
		}
		// removed or changed
		if r.enabled[id] {
			if err := r.uninstallLocked(ctx, r.adapters[id]); err != nil {
				continue
			}
		}
		r.removeLocked(id)
	}
	for _, desc := range cfg.CustomAgents {
		if _, add := wantCustom[desc.ID]; add {
			r.addLocked(r.build.Custom(desc))
		}
	}

	want := make(map[string]bool, len(cfg.EnabledAgents))
	for _, id := range cfg.EnabledAgents {
		want[id] = true
	}
	for _, id := range r.order {
		a := r.adapters[id]
		switch {
		case want[id] && !r.enabled[id]:
			r.installLocked(ctx, a)
		case !want[id] && r.enabled[id]:
			r.uninstallLocked(ctx, a)
		}
	}

	r.cfg = cfg
	r.restartBusLocked()
	r.notify()
	r.log.Info("config reloaded", "enabled", r.enabledLocked())
	return nil
}

// Shutdown stops the watcher and the bus and detaches every enabled adapter
// without persisting anything.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.watcher != nil {
		r.watcher.Stop()
		r.watcher = nil
	}
	r.bus.Stop()
	for _, id := range r.order {
		if !r.enabled[id] {
			continue
		}
		s, ok := r.adapters[id].(stopper)
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			r.log.Warn("stop failed", "agent", id, "err", err)
		}
	}
}

func (r *Registry) onConfigChange(ctx context.Context) {
	if err := r.Reload(ctx); err != nil {
		r.log.Warn("config reload failed", "err", err)
	}
}

// Adapter returns the adapter for id, enabled or not.
func (r *Registry) Adapter(id string) (agent.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Adapters returns every known adapter in registration order.
func (r *Registry) Adapters() []agent.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

// Enabled returns the enabled ids in registration order.
func (r *Registry) Enabled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabledLocked()
}

// Agents is the observer view served on GET /agents.
func (r *Registry) Agents() []hooks.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.AgentInfo, 0, len(r.order))
	for _, id := range r.order {
		a := r.adapters[id]
		m := a.Meta()
		_, custom := a.(described)
		out = append(out, hooks.AgentInfo{
			ID:      id,
			Name:    m.Name,
			Color:   m.Color,
			Icon:    m.Icon,
			Enabled: r.enabled[id],
			Custom:  custom,
		})
	}
	return out
}

// Subscribe returns a channel that receives a signal after the adapter or
// enabled set changes. Signals coalesce; call cancel when done.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()
	return ch, func() {
		r.subsMu.Lock()
		delete(r.subs, ch)
		r.subsMu.Unlock()
	}
}

func (r *Registry) notify() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Locked helpers; r.mu must be held.

func (r *Registry) addLocked(a agent.Adapter) {
	if _, dup := r.adapters[a.ID()]; dup {
		r.log.Warn("duplicate adapter id ignored", "agent", a.ID())
		return
	}
	r.adapters[a.ID()] = a
	r.order = append(r.order, a.ID())
}

func (r *Registry) removeLocked(id string) {
	delete(r.adapters, id)
	delete(r.enabled, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
}

func (r *Registry) installLocked(ctx context.Context, a agent.Adapter) error {
	if err := a.Install(ctx); err != nil {
		r.log.Error("install failed", "agent", a.ID(), "err", err)
		return fmt.Errorf("install %s: %w", a.ID(), err)
	}
	r.enabled[a.ID()] = true
	r.log.Info("agent enabled", "agent", a.ID())
	return nil
}

func (r *Registry) uninstallLocked(ctx context.Context, a agent.Adapter) error {
	if err := a.Uninstall(ctx); err != nil {
		r.log.Error("uninstall failed", "agent", a.ID(), "err", err)
		return fmt.Errorf("uninstall %s: %w", a.ID(), err)
	}
	delete(r.enabled, a.ID())
	r.log.Info("agent disabled", "agent", a.ID())
	return nil
}

func (r *Registry) enabledLocked() []string {
	var ids []string
	for _, id := range r.order {
		if r.enabled[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) restartBusLocked() {
	var active []agent.Adapter
	for _, id := range r.order {
		if r.enabled[id] {
			active = append(active, r.adapters[id])
		}
	}
	r.bus.Replace(active)
	r.bus.Start(r.runCtx)
}

// persistLocked writes the enabled set back to the config file. The watcher
// is paused so the write doesn't trigger a reload.
func (r *Registry) persistLocked() {
	r.cfg.SetEnabled(r.enabledLocked())
	if r.watcher != nil {
		r.watcher.Pause()
		defer r.watcher.Resume()
	}
	if err := config.SaveEnabled(r.path, r.cfg.EnabledAgents); err != nil {
		r.log.Error("save config failed", "path", r.path, "err", err)
	}
}
