// Package session holds the authoritative per-session state derived from the
// ordered event history of each (agent, session) pair.
package session

import (
	"maps"
	"slices"
	"time"

	"github.com/ehrlich-b/agentisland/internal/transcript"
)

// Phase is a session's state-machine state.
type Phase string

const (
	PhaseWaitingForInput    Phase = "waiting_for_input"
	PhaseProcessing         Phase = "processing"
	PhaseRunningTool        Phase = "running_tool"
	PhaseWaitingForApproval Phase = "waiting_for_approval"
	PhaseCompacting         Phase = "compacting"
	PhaseEnded              Phase = "ended"
)

// Key identifies a session. Two agents may report the same session id, so
// the agent id is always part of the identity.
type Key struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

func (k Key) String() string {
	return k.AgentID + ":" + k.SessionID
}

// PendingTool is a tool call that has started and not yet finished.
type PendingTool struct {
	ToolUseID string    `json:"tool_use_id"`
	ToolName  string    `json:"tool_name"`
	StartedAt time.Time `json:"started_at"`
}

// PendingPermission is an approval prompt waiting on the user.
type PendingPermission struct {
	RequestID   string            `json:"request_id"`
	ToolName    string            `json:"tool_name"`
	ToolInput   map[string]string `json:"tool_input,omitempty"`
	SessionID   string            `json:"session_id"`
	RequestedAt time.Time         `json:"requested_at"`
}

// State is a copy of one session as the store sees it.
type State struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	StableID  string `json:"stable_id"`

	CWD            string `json:"cwd"`
	Model          string `json:"model,omitempty"`
	Phase          Phase  `json:"phase"`
	PID            int    `json:"pid,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`

	ChatItems        []transcript.Item `json:"chat_items,omitempty"`
	LastMessage      string            `json:"last_message,omitempty"`
	LastMessageRole  string            `json:"last_message_role,omitempty"`
	LastNotification string            `json:"last_notification,omitempty"`

	// PendingTools is ordered oldest first.
	PendingTools       []PendingTool       `json:"pending_tools,omitempty"`
	PendingPermissions []PendingPermission `json:"pending_permissions,omitempty"`
}

func (s *State) Key() Key {
	return Key{AgentID: s.AgentID, SessionID: s.SessionID}
}

// Ended reports whether the session reached its terminal phase.
func (s *State) Ended() bool {
	return s.Phase == PhaseEnded
}

func (s *State) clone() State {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.ChatItems = slices.Clone(s.ChatItems)
	c.PendingTools = slices.Clone(s.PendingTools)
	if s.PendingPermissions != nil {
		c.PendingPermissions = make([]PendingPermission, len(s.PendingPermissions))
		for i, p := range s.PendingPermissions {
			p.ToolInput = maps.Clone(p.ToolInput)
			c.PendingPermissions[i] = p
		}
	}
	return c
}

func (s *State) findTool(id string) int {
	for i, t := range s.PendingTools {
		if t.ToolUseID == id {
			return i
		}
	}
	return -1
}

// newestToolNamed returns the index of the most recently started pending
// tool called name.
func (s *State) newestToolNamed(name string) int {
	for i := len(s.PendingTools) - 1; i >= 0; i-- {
		if s.PendingTools[i].ToolName == name {
			return i
		}
	}
	return -1
}

func (s *State) findPermission(id string) int {
	if id == "" {
		return -1
	}
	for i, p := range s.PendingPermissions {
		if p.RequestID == id {
			return i
		}
	}
	return -1
}

// settle picks the phase after a permission left the pending list.
func (s *State) settle() {
	switch {
	case len(s.PendingPermissions) > 0:
		s.Phase = PhaseWaitingForApproval
	case len(s.PendingTools) > 0:
		s.Phase = PhaseRunningTool
	default:
		s.Phase = PhaseProcessing
	}
}
