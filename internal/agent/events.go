package agent

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind is the payload of an Event. The set of kinds is closed: the unexported
// method keeps other packages from adding their own.
type Kind interface {
	// Name is a stable lowercase label used in logs and metrics.
	Name() string
	isKind()
}

type SessionStart struct {
	CWD   string
	Model string
}

type SessionEnd struct {
	Reason string
}

type PreToolUse struct {
	ToolUseID string
	ToolName  string
	ToolInput map[string]string
}

type PostToolUse struct {
	ToolUseID string
	ToolName  string
	Success   bool
}

type PermissionRequest struct {
	RequestID string
	ToolName  string
	ToolInput map[string]string
}

type Notification struct {
	Message          string
	Title            string
	NotificationType string
}

type Stop struct {
	LastMessage string
}

type Processing struct{}

type Compacting struct{}

// Custom carries agent-specific events the core has no dedicated kind for.
type Custom struct {
	EventName string
	Payload   map[string]string
}

func (SessionStart) Name() string      { return "session_start" }
func (SessionEnd) Name() string        { return "session_end" }
func (PreToolUse) Name() string        { return "pre_tool_use" }
func (PostToolUse) Name() string       { return "post_tool_use" }
func (PermissionRequest) Name() string { return "permission_request" }
func (Notification) Name() string      { return "notification" }
func (Stop) Name() string              { return "stop" }
func (Processing) Name() string        { return "processing" }
func (Compacting) Name() string        { return "compacting" }
func (Custom) Name() string            { return "custom" }

func (SessionStart) isKind()      {}
func (SessionEnd) isKind()        {}
func (PreToolUse) isKind()        {}
func (PostToolUse) isKind()       {}
func (PermissionRequest) isKind() {}
func (Notification) isKind()      {}
func (Stop) isKind()              {}
func (Processing) isKind()        {}
func (Compacting) isKind()        {}
func (Custom) isKind()            {}

// Event is the canonical, agent-agnostic unit every adapter emits.
// Treat it as immutable once built.
type Event struct {
	ID        string
	AgentID   string
	SessionID string
	Timestamp time.Time
	Kind      Kind

	// Optional source context. Zero values mean "unknown"; the session
	// store keeps whatever it already had.
	CWD            string
	PID            int
	TranscriptPath string
}

// NewEvent stamps a fresh id and timestamp. Map fields of kind are copied so
// the caller can't mutate the event after emission.
func NewEvent(agentID, sessionID string, kind Kind) Event {
	return Event{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Kind:      cloneKind(kind),
	}
}

// With returns a copy of e carrying the given source context.
func (e Event) With(cwd string, pid int, transcriptPath string) Event {
	if cwd != "" {
		e.CWD = cwd
	}
	if pid > 0 {
		e.PID = pid
	}
	if transcriptPath != "" {
		e.TranscriptPath = transcriptPath
	}
	return e
}

func cloneKind(k Kind) Kind {
	switch v := k.(type) {
	case PreToolUse:
		v.ToolInput = maps.Clone(v.ToolInput)
		return v
	case PermissionRequest:
		v.ToolInput = maps.Clone(v.ToolInput)
		return v
	case Custom:
		v.Payload = maps.Clone(v.Payload)
		return v
	}
	return k
}

// newID returns a fresh identifier for tool-use and request ids the source
// didn't provide.
func newID() string {
	return uuid.NewString()
}
