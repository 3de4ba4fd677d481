package agent

import (
	"encoding/json"
	"strings"
)

// codexRecord is one line of a Codex rollout file (~/.codex/sessions/...).
type codexRecord struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// Flat hook-style records carry these instead of an envelope.
	Event         string `json:"event"`
	HookEventName string `json:"hook_event_name"`
}

type codexPayload struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	CWD              string          `json:"cwd"`
	Model            string          `json:"model"`
	Message          string          `json:"message"`
	LastAgentMessage string          `json:"last_agent_message"`
	CallID           string          `json:"call_id"`
	Name             string          `json:"name"`
	Arguments        string          `json:"arguments"`
	Input            string          `json:"input"`
	Output           json.RawMessage `json:"output"`
	Command          json.RawMessage `json:"command"`
	ExitCode         *int            `json:"exit_code"`
	Reason           string          `json:"reason"`
	Changes          json.RawMessage `json:"changes"`
	Success          *bool           `json:"success"`
}

// CodexParser decodes Codex rollout records, falling back to a phrase table
// for lines that aren't JSON objects at all.
type CodexParser struct {
	Text PatternTable
}

// NewCodexParser uses DefaultTextPatterns for the text fallback.
func NewCodexParser() *CodexParser {
	return &CodexParser{Text: DefaultTextPatterns}
}

func (cp *CodexParser) Parse(pc ParseContext, raw []byte) (Event, bool) {
	if !looksLikeJSONObject(raw) {
		if cp.Text == nil {
			return Event{}, false
		}
		return cp.Text.Parse(pc, raw)
	}
	var rec codexRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		if cp.Text == nil {
			return Event{}, false
		}
		return cp.Text.Parse(pc, raw)
	}

	if rec.Type == "" && (rec.Event != "" || rec.HookEventName != "") {
		var p hookPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, false
		}
		return hookEvent(pc, &p)
	}

	var p codexPayload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Event{}, false
		}
	}

	kind, cwd, ok := codexKind(rec.Type, &p)
	if !ok {
		return Event{}, false
	}
	ev := NewEvent(pc.AgentID, pc.SessionID, kind)
	return ev.With(cwd, 0, ""), true
}

func codexKind(recType string, p *codexPayload) (Kind, string, bool) {
	switch recType {
	case "session_meta":
		return SessionStart{CWD: p.CWD, Model: p.Model}, p.CWD, true
	case "turn_context":
		payload := map[string]string{}
		if p.Model != "" {
			payload["model"] = p.Model
		}
		if p.CWD != "" {
			payload["cwd"] = p.CWD
		}
		return Custom{EventName: "turn_context", Payload: payload}, p.CWD, true
	case "compacted":
		return Compacting{}, "", true
	case "event_msg":
		return codexEventMsg(p)
	case "response_item":
		return codexResponseItem(p)
	}
	return nil, "", false
}

func codexEventMsg(p *codexPayload) (Kind, string, bool) {
	switch p.Type {
	case "task_started", "user_message", "agent_reasoning":
		return Processing{}, "", true
	case "agent_message":
		return Custom{EventName: "agent_message", Payload: map[string]string{"message": p.Message}}, "", true
	case "task_complete":
		return Stop{LastMessage: p.LastAgentMessage}, "", true
	case "turn_aborted":
		return Stop{}, "", true
	case "exec_command_begin":
		return PreToolUse{
			ToolUseID: orNewID(p.CallID),
			ToolName:  "exec",
			ToolInput: map[string]string{"command": commandString(p.Command)},
		}, p.CWD, true
	case "exec_command_end":
		success := p.ExitCode == nil || *p.ExitCode == 0
		return PostToolUse{ToolUseID: p.CallID, ToolName: "exec", Success: success}, "", true
	case "patch_apply_begin":
		return PreToolUse{
			ToolUseID: orNewID(p.CallID),
			ToolName:  "apply_patch",
			ToolInput: map[string]string{"changes": stringify(p.Changes)},
		}, "", true
	case "patch_apply_end":
		return PostToolUse{ToolUseID: p.CallID, ToolName: "apply_patch", Success: p.Success == nil || *p.Success}, "", true
	case "exec_approval_request":
		input := map[string]string{"command": commandString(p.Command)}
		if p.Reason != "" {
			input["reason"] = p.Reason
		}
		return PermissionRequest{RequestID: orNewID(p.CallID), ToolName: "exec", ToolInput: input}, p.CWD, true
	case "apply_patch_approval_request":
		input := map[string]string{"changes": stringify(p.Changes)}
		if p.Reason != "" {
			input["reason"] = p.Reason
		}
		return PermissionRequest{RequestID: orNewID(p.CallID), ToolName: "apply_patch", ToolInput: input}, "", true
	}
	return nil, "", false
}

func codexResponseItem(p *codexPayload) (Kind, string, bool) {
	switch p.Type {
	case "function_call", "custom_tool_call":
		input := map[string]string{}
		args := p.Arguments
		if args == "" {
			args = p.Input
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(args), &decoded); err == nil {
			input = flatten(decoded)
		} else if args != "" {
			input["input"] = args
		}
		return PreToolUse{ToolUseID: orNewID(p.CallID), ToolName: p.Name, ToolInput: input}, "", true
	case "function_call_output", "custom_tool_call_output":
		if p.CallID == "" {
			return nil, "", false
		}
		return PostToolUse{ToolUseID: p.CallID, Success: outputSucceeded(p.Output)}, "", true
	}
	return nil, "", false
}

// commandString accepts ["bash","-lc","ls"] or a plain string.
func commandString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		return strings.Join(parts, " ")
	}
	return stringify(raw)
}

// outputSucceeded reads metadata.exit_code from a function_call_output body,
// which Codex stores as a JSON string inside the JSON record.
func outputSucceeded(raw json.RawMessage) bool {
	body := stringify(raw)
	var out struct {
		Metadata struct {
			ExitCode *int `json:"exit_code"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return true
	}
	return out.Metadata.ExitCode == nil || *out.Metadata.ExitCode == 0
}

// CodexSessionMeta is the header record of a rollout file.
type CodexSessionMeta struct {
	ID  string
	CWD string
}

// ParseCodexSessionMeta decodes a session_meta line; ok is false for any
// other record.
func ParseCodexSessionMeta(raw []byte) (CodexSessionMeta, bool) {
	var rec codexRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Type != "session_meta" {
		return CodexSessionMeta{}, false
	}
	var p codexPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return CodexSessionMeta{}, false
	}
	return CodexSessionMeta{ID: p.ID, CWD: p.CWD}, true
}
