package agent

import (
	"encoding/json"
	"strings"
)

// hookPayload is the JSON a hook handler receives on stdin and forwards to
// the daemon. Claude Code's hook schema; custom agents reuse it.
type hookPayload struct {
	HookEventName    string          `json:"hook_event_name"`
	Event            string          `json:"event"`
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	TranscriptPath   string          `json:"transcript_path"`
	PID              int             `json:"pid"`
	Model            json.RawMessage `json:"model"`
	ToolName         string          `json:"tool_name"`
	ToolInput        map[string]any  `json:"tool_input"`
	ToolUseID        string          `json:"tool_use_id"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	Message          string          `json:"message"`
	Title            string          `json:"title"`
	NotificationType string          `json:"notification_type"`
	Reason           string          `json:"reason"`
	LastMessage      string          `json:"last_assistant_message"`
	Prompt           string          `json:"prompt"`
}

func (p *hookPayload) name() string {
	if p.HookEventName != "" {
		return p.HookEventName
	}
	return p.Event
}

// model accepts either "claude-x" or {"id": "claude-x", ...}.
func (p *hookPayload) model() string {
	if len(p.Model) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Model, &s); err == nil {
		return s
	}
	var obj struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(p.Model, &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		return obj.DisplayName
	}
	return ""
}

// HookParser decodes hook JSON records into events.
type HookParser struct{}

func (HookParser) Parse(pc ParseContext, raw []byte) (Event, bool) {
	var p hookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, false
	}
	return hookEvent(pc, &p)
}

// hookEvent is shared with CodexParser for flat {"event": ...} records.
func hookEvent(pc ParseContext, p *hookPayload) (Event, bool) {
	name := p.name()
	if name == "" {
		return Event{}, false
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = pc.SessionID
	}
	if sessionID == "" {
		return Event{}, false
	}

	var kind Kind
	switch normalizeHookName(name) {
	case "sessionstart":
		kind = SessionStart{CWD: p.CWD, Model: p.model()}
	case "sessionend":
		kind = SessionEnd{Reason: p.Reason}
	case "userpromptsubmit":
		kind = Processing{}
	case "pretooluse":
		kind = PreToolUse{
			ToolUseID: orNewID(p.ToolUseID),
			ToolName:  p.ToolName,
			ToolInput: flatten(p.ToolInput),
		}
	case "posttooluse":
		kind = PostToolUse{
			ToolUseID: p.ToolUseID,
			ToolName:  p.ToolName,
			Success:   toolSucceeded(p.ToolResponse),
		}
	case "permissionrequest":
		kind = PermissionRequest{
			RequestID: orNewID(p.ToolUseID),
			ToolName:  p.ToolName,
			ToolInput: flatten(p.ToolInput),
		}
	case "notification":
		kind = Notification{Message: p.Message, Title: p.Title, NotificationType: p.NotificationType}
	case "stop":
		kind = Stop{LastMessage: p.LastMessage}
	case "precompact":
		kind = Compacting{}
	default:
		payload := map[string]string{}
		if p.Message != "" {
			payload["message"] = p.Message
		}
		if p.Prompt != "" {
			payload["prompt"] = p.Prompt
		}
		if p.Reason != "" {
			payload["reason"] = p.Reason
		}
		kind = Custom{EventName: name, Payload: payload}
	}

	ev := NewEvent(pc.AgentID, sessionID, kind)
	return ev.With(p.CWD, p.PID, p.TranscriptPath), true
}

// normalizeHookName folds "PreToolUse", "pre_tool_use" and "pre-tool-use"
// into one spelling.
func normalizeHookName(name string) string {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	return strings.ToLower(r.Replace(name))
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return newID()
}

// toolSucceeded treats a missing response as success; explicit error markers
// mean failure.
func toolSucceeded(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var resp struct {
		IsError *bool  `json:"is_error"`
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return true
	}
	if resp.IsError != nil && *resp.IsError {
		return false
	}
	if resp.Success != nil && !*resp.Success {
		return false
	}
	return resp.Error == ""
}

// hookDecision is the reply body a Claude PermissionRequest hook prints.
type hookDecision struct {
	HookSpecificOutput struct {
		HookEventName string `json:"hookEventName"`
		Decision      struct {
			Behavior string `json:"behavior"`
			Message  string `json:"message,omitempty"`
		} `json:"decision"`
	} `json:"hookSpecificOutput"`
}

// EncodeDecision renders d in the shape the hook handler prints to stdout.
func EncodeDecision(d Decision) []byte {
	var out hookDecision
	out.HookSpecificOutput.HookEventName = "PermissionRequest"
	if d.Allow {
		out.HookSpecificOutput.Decision.Behavior = "allow"
	} else {
		out.HookSpecificOutput.Decision.Behavior = "deny"
		out.HookSpecificOutput.Decision.Message = d.Reason
	}
	b, _ := json.Marshal(out)
	return b
}
