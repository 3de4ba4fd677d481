package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseContext is what a parser knows besides the raw unit itself.
type ParseContext struct {
	AgentID   string
	SessionID string
}

// Parser maps one raw output unit (a text line or one JSON record) to at most
// one event. ok is false when the input matches nothing; that is not an error.
type Parser interface {
	Parse(pc ParseContext, raw []byte) (ev Event, ok bool)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(pc ParseContext, raw []byte) (Event, bool)

func (f ParserFunc) Parse(pc ParseContext, raw []byte) (Event, bool) {
	return f(pc, raw)
}

// PatternCategory is one row of a heuristic phrase table.
type PatternCategory struct {
	Name    string
	Phrases []string
	Build   func(line string) Kind
}

// PatternTable is an ordered list of categories. The first category with a
// phrase contained in the line (case-insensitive) wins.
type PatternTable []PatternCategory

// Match returns the kind built by the first matching category.
func (pt PatternTable) Match(line string) (Kind, bool) {
	lower := strings.ToLower(line)
	for _, cat := range pt {
		for _, phrase := range cat.Phrases {
			if strings.Contains(lower, phrase) {
				return cat.Build(line), true
			}
		}
	}
	return nil, false
}

// Parse makes PatternTable usable as a Parser on plain text lines.
func (pt PatternTable) Parse(pc ParseContext, raw []byte) (Event, bool) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Event{}, false
	}
	kind, ok := pt.Match(line)
	if !ok {
		return Event{}, false
	}
	return NewEvent(pc.AgentID, pc.SessionID, kind), true
}

// DefaultTextPatterns is a best-effort phrase list for agents whose output is
// plain text. It is not an authoritative taxonomy of any CLI; swap it for a
// structured decoder once one exists.
var DefaultTextPatterns = PatternTable{
	{
		Name:    "session_start",
		Phrases: []string{"session started", "starting session", "new session"},
		Build:   func(string) Kind { return SessionStart{} },
	},
	{
		Name:    "session_end",
		Phrases: []string{"session ended", "session closed", "goodbye"},
		Build:   func(string) Kind { return SessionEnd{} },
	},
	{
		Name:    "tool",
		Phrases: []string{"running command:", "executing command:", "tool call:", "[tool]"},
		Build: func(line string) Kind {
			return PreToolUse{
				ToolUseID: newID(),
				ToolName:  toolNameFromLine(line),
				ToolInput: map[string]string{"description": line},
			}
		},
	},
	{
		Name:    "processing",
		Phrases: []string{"thinking...", "thinking", "working...", "analyzing"},
		Build:   func(string) Kind { return Processing{} },
	},
	{
		Name:    "completion",
		Phrases: []string{"task complete", "task completed", "all done", "finished."},
		Build:   func(line string) Kind { return Stop{LastMessage: line} },
	},
	{
		Name:    "permission",
		Phrases: []string{"permission required", "approval required", "requires approval", "allow this"},
		Build: func(line string) Kind {
			return PermissionRequest{
				RequestID: newID(),
				ToolName:  "unknown",
				ToolInput: map[string]string{"description": line},
			}
		},
	},
}

// toolNameFromLine takes the first word after the marker colon, if any.
func toolNameFromLine(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		if fields := strings.Fields(line[i+1:]); len(fields) > 0 {
			return fields[0]
		}
	}
	return "command"
}

// flatten turns a decoded JSON object into the string map the event model
// uses. Non-string values are re-encoded as JSON.
func flatten(m map[string]any) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(t, &s); err == nil {
			return s
		}
		return string(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", t)
	}
}

// looksLikeJSONObject is the cheap gate between structured and heuristic
// decoding.
func looksLikeJSONObject(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}
