package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ehrlich-b/agentisland/internal/session"
)

// hookReceiver turns hook deliveries into events for hook-driven adapters.
// Permission requests hold the delivery open until a decision arrives.
type hookReceiver struct {
	agentID string
	parser  Parser
	stream  *Stream
	waiter  *PermissionWaiter
	log     *slog.Logger
}

func (r *hookReceiver) handle(ctx context.Context, body []byte) ([]byte, error) {
	ev, ok := r.parser.Parse(ParseContext{AgentID: r.agentID}, body)
	if !ok {
		r.log.Debug("ignored hook payload", "bytes", len(body))
		return nil, nil
	}

	perm, isPerm := ev.Kind.(PermissionRequest)
	if !isPerm {
		if !r.stream.Send(ctx, ev) {
			return nil, ctx.Err()
		}
		return nil, nil
	}

	r.waiter.Open(perm.RequestID)
	if !r.stream.Send(ctx, ev) {
		r.waiter.Drop(perm.RequestID)
		return nil, ctx.Err()
	}
	r.log.Debug("holding permission request", "session", ev.SessionID, "request", perm.RequestID, "tool", perm.ToolName)

	d, err := r.waiter.Wait(ctx, perm.RequestID)
	if err != nil {
		// The agent falls back to its own prompt, which the island can't answer.
		r.abandon(ev, perm.RequestID)
		return nil, nil
	}
	return EncodeDecision(d), nil
}

// abandon tells the store a held request is gone. The delivery context may
// already be cancelled, so the send gets its own short deadline.
func (r *hookReceiver) abandon(req Event, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := NewEvent(r.agentID, req.SessionID, Custom{
		EventName: session.EventPermissionAbandoned,
		Payload:   map[string]string{"request_id": requestID},
	})
	if !r.stream.Send(ctx, ev) {
		r.log.Warn("dropped permission abandon", "session", req.SessionID, "request", requestID)
	}
}

func (r *hookReceiver) resolve(requestID string, d Decision) {
	if !r.waiter.Resolve(requestID, d) {
		r.log.Debug("no waiter for permission decision", "request", requestID)
	}
}
