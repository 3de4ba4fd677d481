package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/agentisland/internal/hooks"
	"github.com/ehrlich-b/agentisland/internal/logger"
)

// ClaudeID is the built-in id of the Claude Code adapter.
const ClaudeID = "claude"

// Claude receives Claude Code hook deliveries on the daemon's shared hook
// server. It only registers and removes its route; the server itself belongs
// to the daemon.
type Claude struct {
	server    *hooks.Server
	installer *hooks.Installer
	log       *slog.Logger
	stream    *Stream
	recv      *hookReceiver

	mu        sync.Mutex
	installed bool
}

// NewClaude builds the adapter. installer may be nil, in which case the
// settings file is left alone and only the route is managed.
func NewClaude(server *hooks.Server, installer *hooks.Installer, log *slog.Logger) *Claude {
	if log == nil {
		log = logger.For("agent")
	}
	log = log.With("agent", ClaudeID)
	stream := NewStream(0)
	return &Claude{
		server:    server,
		installer: installer,
		log:       log,
		stream:    stream,
		recv: &hookReceiver{
			agentID: ClaudeID,
			parser:  HookParser{},
			stream:  stream,
			waiter:  NewPermissionWaiter(),
			log:     log,
		},
	}
}

func (c *Claude) ID() string { return ClaudeID }

func (c *Claude) Meta() Meta {
	return Meta{ID: ClaudeID, Name: "Claude Code", Color: "#d97757", Icon: "sparkle"}
}

func (c *Claude) Events() <-chan Event { return c.stream.Events() }

func (c *Claude) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installed {
		return nil
	}
	if c.installer != nil {
		changed, err := c.installer.Install()
		if err != nil {
			return fmt.Errorf("install claude hooks: %w", err)
		}
		if changed {
			c.log.Info("hooks installed", "path", c.installer.SettingsPath)
		}
	}
	c.server.Handle(ClaudeID, c.recv.handle)
	c.installed = true
	return nil
}

func (c *Claude) Uninstall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return nil
	}
	if c.installer != nil {
		changed, err := c.installer.Uninstall()
		if err != nil {
			return fmt.Errorf("uninstall claude hooks: %w", err)
		}
		if changed {
			c.log.Info("hooks removed", "path", c.installer.SettingsPath)
		}
	}
	c.server.Remove(ClaudeID)
	c.recv.waiter.Reset()
	c.installed = false
	return nil
}

// Stop detaches from the hook server but leaves the settings hooks in place,
// so sessions started while the daemon is down still reach it later.
func (c *Claude) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.installed {
		return nil
	}
	c.server.Remove(ClaudeID)
	c.recv.waiter.Reset()
	c.installed = false
	return nil
}

// ResolvePermission releases the held hook request for requestID.
func (c *Claude) ResolvePermission(ctx context.Context, requestID string, d Decision) error {
	c.recv.resolve(requestID, d)
	return nil
}
