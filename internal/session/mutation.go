package session

import "time"

// Op is one step of the store's mutation vocabulary.
type Op interface {
	opName() string
}

type (
	OpStart struct {
		CWD   string
		Model string
	}
	OpEnd struct {
		Reason string
	}
	OpProcessing struct{}
	OpToolStart  struct {
		ToolUseID string
		ToolName  string
	}
	OpToolEnd struct {
		ToolUseID string
		ToolName  string
		Success   bool
	}
	OpPermissionRequest struct {
		RequestID string
		ToolName  string
		ToolInput map[string]string
	}
	OpResolve struct {
		RequestID string
		Allow     bool
	}
	OpNotify struct {
		Message          string
		Title            string
		NotificationType string
	}
	OpStop struct {
		LastMessage string
	}
	OpCompacting struct{}
	OpCustom     struct {
		Name    string
		Payload map[string]string
	}
)

func (OpStart) opName() string             { return "start" }
func (OpEnd) opName() string               { return "end" }
func (OpProcessing) opName() string        { return "processing" }
func (OpToolStart) opName() string         { return "tool_start" }
func (OpToolEnd) opName() string           { return "tool_end" }
func (OpPermissionRequest) opName() string { return "permission_request" }
func (OpResolve) opName() string           { return "resolve" }
func (OpNotify) opName() string            { return "notify" }
func (OpStop) opName() string              { return "stop" }
func (OpCompacting) opName() string        { return "compacting" }
func (OpCustom) opName() string            { return "custom" }

// EventPermissionAbandoned is the OpCustom name for a permission request the
// island can no longer answer. Payload["request_id"] names it.
const EventPermissionAbandoned = "permission_abandoned"

// Mutation targets one session. Empty CWD, zero PID and empty TranscriptPath
// keep whatever the session already has.
type Mutation struct {
	Key            Key
	At             time.Time
	CWD            string
	PID            int
	TranscriptPath string
	Op             Op
}
