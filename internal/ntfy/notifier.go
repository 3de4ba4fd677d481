package ntfy

import (
	"context"
	"log/slog"

	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/session"
)

// Source is the read side of the session store.
type Source interface {
	Subscribe() (<-chan struct{}, func())
	Snapshot() []session.State
}

// Notifier watches session snapshots and pushes once per new permission
// request and once per ended session.
type Notifier struct {
	client *Client
	src    Source
	log    *slog.Logger

	asked map[session.Key]map[string]bool
	ended map[session.Key]bool
}

func NewNotifier(c *Client, src Source, log *slog.Logger) *Notifier {
	if log == nil {
		log = logger.For("ntfy")
	}
	return &Notifier{
		client: c,
		src:    src,
		log:    log,
		asked:  make(map[session.Key]map[string]bool),
		ended:  make(map[session.Key]bool),
	}
}

// Run blocks until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	ch, cancel := n.src.Subscribe()
	defer cancel()
	// sessions already present at startup are not announced
	n.diff(n.src.Snapshot(), func(session.State, string) {}, func(session.State) {})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			n.diff(n.src.Snapshot(),
				func(st session.State, tool string) {
					if err := n.client.SendAttention(ctx, st.AgentID, st.CWD, tool); err != nil {
						n.log.Debug("attention push failed", "session", st.SessionID, "err", err)
					}
				},
				func(st session.State) {
					if err := n.client.SendExit(ctx, st.AgentID, st.CWD, st.EndReason); err != nil {
						n.log.Debug("exit push failed", "session", st.SessionID, "err", err)
					}
				})
		}
	}
}

// diff calls attention for unseen permission requests and exit for newly
// ended sessions, then forgets sessions no longer in the snapshot.
func (n *Notifier) diff(states []session.State, attention func(session.State, string), exit func(session.State)) {
	live := make(map[session.Key]bool, len(states))
	for _, st := range states {
		key := st.Key()
		live[key] = true
		seen := n.asked[key]
		for _, p := range st.PendingPermissions {
			if seen[p.RequestID] {
				continue
			}
			if seen == nil {
				seen = make(map[string]bool)
				n.asked[key] = seen
			}
			seen[p.RequestID] = true
			attention(st, p.ToolName)
		}
		if st.Ended() && !n.ended[key] {
			n.ended[key] = true
			exit(st)
		}
	}
	for key := range n.asked {
		if !live[key] {
			delete(n.asked, key)
		}
	}
	for key := range n.ended {
		if !live[key] {
			delete(n.ended, key)
		}
	}
}
