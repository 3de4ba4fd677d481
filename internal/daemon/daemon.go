// Package daemon wires the island together: config, archive, session store,
// shared hook socket, adapters, registry and bus.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/agentisland/internal/agent"
	"github.com/ehrlich-b/agentisland/internal/bus"
	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/hooks"
	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/monitor"
	"github.com/ehrlich-b/agentisland/internal/ntfy"
	"github.com/ehrlich-b/agentisland/internal/registry"
	"github.com/ehrlich-b/agentisland/internal/session"
	"github.com/ehrlich-b/agentisland/internal/store"
)

const (
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
	shutdownTimeout  = 5 * time.Second
)

// Options locate the daemon's files. Zero values resolve to the defaults
// under ~/.agentisland.
type Options struct {
	ConfigPath string
	// HookCommand is written into agent settings files, e.g.
	// "/usr/local/bin/island hook claude" minus the agent id.
	HookCommand string
	Home        string
}

// Run blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, opts Options) error {
	if err := opts.resolve(); err != nil {
		return err
	}
	dir := filepath.Dir(opts.ConfigPath)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.For("daemon")
	if err := config.EnsureConfigDir(dir); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	db, err := store.Open(cfg.ResolveDBPath(dir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewStore(
		session.WithArchive(db),
		session.WithEndGrace(cfg.Intervals.EndGrace),
		session.WithLogger(logger.For("session")),
	)
	defer sessions.Close()
	syncer := session.NewSyncer(sessions, cfg.Intervals.Debounce, nil)
	if err := syncer.Start(ctx); err != nil {
		log.Warn("transcript watcher unavailable, chat refreshes on events only", "err", err)
	}
	defer syncer.Stop()
	sessions.SetSyncer(syncer)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	events := bus.New(sessions, bus.WithMetrics(bus.NewMetrics(reg)))

	// agents is assigned below; the server only calls these after Bootstrap.
	var agents *registry.Registry
	server := hooks.NewServer(cfg.ResolveSocketPath(dir),
		hooks.WithSessions(sessions),
		hooks.WithAgents(func() any { return agents.Agents() }),
		hooks.WithPermissions(func(ctx context.Context, key session.Key, requestID string, allow bool, reason string) error {
			d := agent.Allow()
			if !allow {
				d = agent.Deny(reason)
			}
			err := events.ResolvePermission(ctx, key, requestID, d)
			if errors.Is(err, bus.ErrUnknownAgent) {
				return fmt.Errorf("%w: %w", hooks.ErrNotFound, err)
			}
			return err
		}),
		hooks.WithAgentControl(func(ctx context.Context, id string, enable bool) error {
			var err error
			if enable {
				err = agents.EnableID(ctx, id)
			} else {
				err = agents.DisableID(ctx, id)
			}
			if errors.Is(err, registry.ErrUnknownAgent) {
				return fmt.Errorf("%w: %w", hooks.ErrNotFound, err)
			}
			return err
		}),
		hooks.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	ln, err := server.Listen()
	if err != nil {
		return err
	}

	build := &builder{server: server, opts: opts, intervals: cfg.Intervals}
	agents = registry.New(opts.ConfigPath, events, build)

	// handlers are registered before the first accept; early hook
	// deliveries wait in the listen backlog
	g, gctx := errgroup.WithContext(ctx)
	if err := agents.Bootstrap(gctx); err != nil {
		ln.Close()
		return err
	}
	g.Go(func() error { return server.Serve(gctx, ln) })
	g.Go(func() error {
		pruneLoop(gctx, db)
		return nil
	})
	if cfg.Notify.Topic != "" {
		client := ntfy.New(cfg.Notify.Topic, cfg.Notify.Token, cfg.Notify.Events)
		g.Go(func() error { return ntfy.NewNotifier(client, sessions, nil).Run(gctx) })
	}

	log.Info("island daemon started", "socket", server.SocketPath(), "config", opts.ConfigPath, "agents", agents.Enabled())
	<-gctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	agents.Shutdown(sctx)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}

func (o *Options) resolve() error {
	if o.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("home dir: %w", err)
		}
		o.Home = home
	}
	if o.ConfigPath == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		o.ConfigPath = p
	}
	if o.HookCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = "island"
		}
		o.HookCommand = exe + " hook"
	}
	return nil
}

func pruneLoop(ctx context.Context, db *store.Store) {
	log := logger.For("daemon")
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := db.PruneHistory(ctx, time.Now().Add(-historyRetention))
		if err != nil && ctx.Err() == nil {
			log.Warn("prune history failed", "err", err)
		} else if n > 0 {
			log.Debug("pruned history", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// builder constructs the real adapters for the registry.
type builder struct {
	server    *hooks.Server
	opts      Options
	intervals config.Intervals
}

func (b *builder) Builtins() []agent.Adapter {
	installer := hooks.NewClaudeInstaller(
		hooks.ClaudeSettingsPath(b.opts.Home),
		b.opts.HookCommand+" "+agent.ClaudeID,
	)
	codex := agent.NewCodex(agent.CodexOptions{
		SessionsDir: agent.CodexSessionsDir(b.opts.Home),
		Monitor: monitor.Config{
			ScanInterval:     b.intervals.ProcessScan,
			LivenessInterval: b.intervals.Liveness,
			TailInterval:     b.intervals.Tail,
			Home:             b.opts.Home,
		},
	})
	return []agent.Adapter{
		agent.NewClaude(b.server, installer, nil),
		codex,
	}
}

func (b *builder) Custom(desc config.CustomAgent) agent.Adapter {
	return agent.NewCustom(desc, nil)
}
