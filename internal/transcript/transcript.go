// Package transcript turns an agent's on-disk conversation log into chat
// items for display. Claude Code transcripts and Codex rollout files are both
// JSON Lines; each line is decoded on its own and unknown lines are skipped.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultMaxItems bounds how much history one session keeps in memory.
const DefaultMaxItems = 500

// Role of a chat item.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Item is one entry in a session's chat view.
type Item struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ParseFile reads path and returns at most max items, keeping the newest.
func ParseFile(path string, max int) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f, max)
}

// Parse decodes a JSON Lines transcript. max <= 0 means DefaultMaxItems.
func Parse(r io.Reader, max int) ([]Item, error) {
	if max <= 0 {
		max = DefaultMaxItems
	}
	var items []Item
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		items = append(items, parseLine(line)...)
		if len(items) > 2*max {
			items = append(items[:0:0], items[len(items)-max:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if len(items) > max {
		items = items[len(items)-max:]
	}
	return items, nil
}

type line struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Payload   json.RawMessage `json:"payload"`
	IsMeta    bool            `json:"isMeta"`
}

func parseLine(raw []byte) []Item {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil
	}
	ts := parseTime(l.Timestamp)
	switch l.Type {
	case "user", "assistant":
		if l.IsMeta {
			return nil
		}
		return claudeItems(l, ts)
	case "response_item":
		return codexItems(l.Payload, ts)
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type block struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func claudeItems(l line, ts time.Time) []Item {
	var msg struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(l.Message, &msg); err != nil {
		return nil
	}
	role := msg.Role
	if role == "" {
		role = l.Type
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		if text = strings.TrimSpace(text); text == "" || isSystemText(text) {
			return nil
		}
		return []Item{{ID: l.UUID, Role: role, Text: text, Timestamp: ts}}
	}

	var blocks []block
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	var items []Item
	for i, b := range blocks {
		id := l.UUID
		if i > 0 && id != "" {
			id = fmt.Sprintf("%s-%d", l.UUID, i)
		}
		switch b.Type {
		case "text":
			t := strings.TrimSpace(b.Text)
			if t == "" || isSystemText(t) {
				continue
			}
			items = append(items, Item{ID: id, Role: role, Text: t, Timestamp: ts})
		case "tool_use":
			items = append(items, Item{ID: b.ID, Role: RoleTool, ToolName: b.Name, Text: summarizeInput(b.Input), Timestamp: ts})
		}
	}
	return items
}

func codexItems(payload json.RawMessage, ts time.Time) []Item {
	var p struct {
		Type      string  `json:"type"`
		ID        string  `json:"id"`
		Role      string  `json:"role"`
		Name      string  `json:"name"`
		Arguments string  `json:"arguments"`
		Input     string  `json:"input"`
		CallID    string  `json:"call_id"`
		Content   []block `json:"content"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	switch p.Type {
	case "message":
		if p.Role != RoleUser && p.Role != RoleAssistant {
			return nil
		}
		var parts []string
		for _, b := range p.Content {
			if t := strings.TrimSpace(b.Text); t != "" && !isSystemText(t) {
				parts = append(parts, t)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []Item{{ID: p.ID, Role: p.Role, Text: strings.Join(parts, "\n"), Timestamp: ts}}
	case "function_call", "custom_tool_call":
		args := p.Arguments
		if args == "" {
			args = p.Input
		}
		return []Item{{ID: p.CallID, Role: RoleTool, ToolName: p.Name, Text: summarizeInput(json.RawMessage(args)), Timestamp: ts}}
	}
	return nil
}

// isSystemText filters injected context blocks that aren't part of the
// conversation the user sees.
func isSystemText(s string) bool {
	for _, prefix := range []string{"<environment_context>", "<user_instructions>", "<command-name>", "<local-command-stdout>", "<system-reminder>"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// summarizeInput picks the most telling field of a tool input for display.
func summarizeInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, k := range []string{"command", "cmd", "file_path", "path", "pattern", "url", "description"} {
		switch v := m[k].(type) {
		case string:
			return v
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, " ")
		}
	}
	b, _ := json.Marshal(m)
	return string(b)
}
