// Package bus fans the event streams of every registered adapter into the
// session store and routes permission decisions back to the adapter that
// asked.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/agentisland/internal/agent"
	"github.com/ehrlich-b/agentisland/internal/async"
	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/session"
)

// ErrUnknownAgent is returned for decisions addressed to an agent that isn't
// registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Store is the write side of the session store.
type Store interface {
	Apply(ctx context.Context, m session.Mutation) (session.State, bool)
}

type Option func(*Bus)

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.log = l } }

func WithMetrics(m *Metrics) Option { return func(b *Bus) { b.metrics = m } }

// Bus owns one reader goroutine per registered adapter stream. Events of one
// stream are applied in order; streams are independent of each other.
type Bus struct {
	store   Store
	log     *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	adapters map[string]agent.Adapter
	order    []string
	cancel   context.CancelFunc
	readers  *sync.WaitGroup
}

func New(store Store, opts ...Option) *Bus {
	b := &Bus{
		store:    store,
		adapters: make(map[string]agent.Adapter),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = logger.For("bus")
	}
	return b
}

// Register adds a. It reports false if an adapter with the same id is
// already registered. Takes effect on the next Start.
func (b *Bus) Register(a agent.Adapter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.adapters[a.ID()]; ok {
		return false
	}
	b.adapters[a.ID()] = a
	b.order = append(b.order, a.ID())
	return true
}

// Replace swaps the registration set for adapters. Takes effect on the next
// Start.
func (b *Bus) Replace(adapters []agent.Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters = make(map[string]agent.Adapter, len(adapters))
	b.order = b.order[:0]
	for _, a := range adapters {
		if _, dup := b.adapters[a.ID()]; dup {
			continue
		}
		b.adapters[a.ID()] = a
		b.order = append(b.order, a.ID())
	}
}

// Registered returns the ids in registration order.
func (b *Bus) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Adapter returns the registered adapter for id.
func (b *Bus) Adapter(id string) (agent.Adapter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.adapters[id]
	return a, ok
}

// Start stops the current readers, waits for them to exit, and starts one
// reader per registered adapter. Events still buffered in an adapter's
// stream are picked up by the new reader.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	b.cancel, b.readers = cancel, wg
	for _, id := range b.order {
		a := b.adapters[id]
		wg.Add(1)
		async.Go(b.log, "bus.reader", func() {
			defer wg.Done()
			b.read(ctx, a)
		})
	}
	b.log.Debug("bus started", "adapters", len(b.order))
}

// Stop cancels every reader and waits for them. Safe to call twice.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bus) stopLocked() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.readers.Wait()
	b.cancel, b.readers = nil, nil
}

func (b *Bus) read(ctx context.Context, a agent.Adapter) {
	events := a.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			b.route(ctx, ev)
		}
	}
}

func (b *Bus) route(ctx context.Context, ev agent.Event) {
	m, ok := Mutation(ev)
	if !ok {
		return
	}
	b.store.Apply(ctx, m)
	b.metrics.routed(ev.AgentID, ev.Kind.Name())
}

// ResolvePermission forwards d to the agent owning key, then records the
// resolution in the store. Unknown request ids are a no-op for both.
func (b *Bus) ResolvePermission(ctx context.Context, key session.Key, requestID string, d agent.Decision) error {
	a, ok := b.Adapter(key.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, key.AgentID)
	}
	if err := a.ResolvePermission(ctx, requestID, d); err != nil {
		return fmt.Errorf("resolve permission for %s: %w", key.AgentID, err)
	}
	b.store.Apply(ctx, session.Mutation{
		Key: key,
		At:  time.Now(),
		Op:  session.OpResolve{RequestID: requestID, Allow: d.Allow},
	})
	b.metrics.decided(key.AgentID, d.String())
	b.log.Info("permission decided", "agent", key.AgentID, "session", key.SessionID, "request", requestID, "decision", d.String())
	return nil
}

// Mutation converts an event into the store's vocabulary.
func Mutation(ev agent.Event) (session.Mutation, bool) {
	m := session.Mutation{
		Key:            session.Key{AgentID: ev.AgentID, SessionID: ev.SessionID},
		At:             ev.Timestamp,
		CWD:            ev.CWD,
		PID:            ev.PID,
		TranscriptPath: ev.TranscriptPath,
	}
	switch k := ev.Kind.(type) {
	case agent.SessionStart:
		m.Op = session.OpStart{CWD: k.CWD, Model: k.Model}
	case agent.SessionEnd:
		m.Op = session.OpEnd{Reason: k.Reason}
	case agent.Processing:
		m.Op = session.OpProcessing{}
	case agent.PreToolUse:
		m.Op = session.OpToolStart{ToolUseID: k.ToolUseID, ToolName: k.ToolName}
	case agent.PostToolUse:
		m.Op = session.OpToolEnd{ToolUseID: k.ToolUseID, ToolName: k.ToolName, Success: k.Success}
	case agent.PermissionRequest:
		m.Op = session.OpPermissionRequest{RequestID: k.RequestID, ToolName: k.ToolName, ToolInput: k.ToolInput}
	case agent.Notification:
		m.Op = session.OpNotify{Message: k.Message, Title: k.Title, NotificationType: k.NotificationType}
	case agent.Stop:
		m.Op = session.OpStop{LastMessage: k.LastMessage}
	case agent.Compacting:
		m.Op = session.OpCompacting{}
	case agent.Custom:
		m.Op = session.OpCustom{Name: k.EventName, Payload: k.Payload}
	default:
		return session.Mutation{}, false
	}
	if m.Key.AgentID == "" || m.Key.SessionID == "" {
		return session.Mutation{}, false
	}
	return m, true
}
