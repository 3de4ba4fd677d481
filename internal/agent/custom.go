package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/agentisland/internal/async"
	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/hooks"
	"github.com/ehrlich-b/agentisland/internal/logger"
)

// CustomAdapter is a user-declared agent that posts hook JSON to its own socket.
// Unlike Claude it owns its server: Install starts it, Uninstall stops it.
type CustomAdapter struct {
	desc   config.CustomAgent
	log    *slog.Logger
	stream *Stream
	recv   *hookReceiver
	server *hooks.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCustom(desc config.CustomAgent, log *slog.Logger) *CustomAdapter {
	if log == nil {
		log = logger.For("agent")
	}
	log = log.With("agent", desc.ID)
	stream := NewStream(0)
	recv := &hookReceiver{
		agentID: desc.ID,
		parser:  HookParser{},
		stream:  stream,
		waiter:  NewPermissionWaiter(),
		log:     log,
	}
	server := hooks.NewServer(desc.SocketPath, hooks.WithLogger(log))
	server.Handle(desc.ID, recv.handle)
	return &CustomAdapter{
		desc:   desc,
		log:    log,
		stream: stream,
		recv:   recv,
		server: server,
	}
}

func (c *CustomAdapter) ID() string { return c.desc.ID }

func (c *CustomAdapter) Meta() Meta {
	name := c.desc.Name
	if name == "" {
		name = c.desc.ID
	}
	return Meta{ID: c.desc.ID, Name: name, Color: c.desc.Color, Icon: c.desc.Icon}
}

// Descriptor is the config entry the adapter was built from.
func (c *CustomAdapter) Descriptor() config.CustomAgent { return c.desc }

func (c *CustomAdapter) Events() <-chan Event { return c.stream.Events() }

// Install binds the agent's socket and serves it until Uninstall.
func (c *CustomAdapter) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ln, err := c.server.Listen()
	if err != nil {
		return fmt.Errorf("custom agent %s: %w", c.desc.ID, err)
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	async.Go(c.log, "custom.serve", func() {
		defer close(done)
		if err := c.server.Serve(sctx, ln); err != nil {
			c.log.Error("hook server stopped", "err", err)
		}
	})
	return nil
}

func (c *CustomAdapter) Uninstall(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	c.recv.waiter.Reset()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *CustomAdapter) Stop(ctx context.Context) error { return c.Uninstall(ctx) }

// ResolvePermission answers the held hook request for requestID.
func (c *CustomAdapter) ResolvePermission(ctx context.Context, requestID string, d Decision) error {
	c.recv.resolve(requestID, d)
	return nil
}
