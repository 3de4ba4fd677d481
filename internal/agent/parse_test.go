package agent

import (
	"testing"
)

func codexCtx() ParseContext { return ParseContext{AgentID: "codex", SessionID: "c-1"} }
func hookCtx() ParseContext  { return ParseContext{AgentID: "claude"} }

func TestScenarioThinkingIsProcessing(t *testing.T) {
	ev, ok := NewCodexParser().Parse(codexCtx(), []byte("Thinking..."))
	if !ok {
		t.Fatal("no event")
	}
	if _, isProc := ev.Kind.(Processing); !isProc {
		t.Errorf("kind = %T, want Processing", ev.Kind)
	}
	if ev.AgentID != "codex" || ev.SessionID != "c-1" || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestScenarioTaskCompleteIsStop(t *testing.T) {
	line := `{"type":"event_msg","payload":{"type":"task_complete","last_agent_message":"Done"}}`
	ev, ok := NewCodexParser().Parse(codexCtx(), []byte(line))
	if !ok {
		t.Fatal("no event")
	}
	stop, isStop := ev.Kind.(Stop)
	if !isStop || stop.LastMessage != "Done" {
		t.Errorf("kind = %#v", ev.Kind)
	}
}

func TestScenarioPermissionLine(t *testing.T) {
	p := NewCodexParser()
	line := "Permission required: rm -rf"
	ev, ok := p.Parse(codexCtx(), []byte(line))
	if !ok {
		t.Fatal("no event")
	}
	req, isReq := ev.Kind.(PermissionRequest)
	if !isReq {
		t.Fatalf("kind = %T", ev.Kind)
	}
	if req.ToolInput["description"] != line {
		t.Errorf("description = %q", req.ToolInput["description"])
	}
	if req.RequestID == "" {
		t.Error("empty request id")
	}

	again, _ := p.Parse(codexCtx(), []byte(line))
	if again.Kind.(PermissionRequest).RequestID == req.RequestID {
		t.Error("request id reused across lines")
	}
}

func TestUnmatchedInputYieldsNothing(t *testing.T) {
	codex := NewCodexParser()
	for _, line := range []string{
		"",
		"   ",
		"hello world",
		"$ ls -la",
		`{"type":"unknown_record","payload":{}}`,
		`{"type":"event_msg","payload":{"type":"token_count"}}`,
		`{"type":"response_item","payload":{"type":"reasoning"}}`,
		`{"unrelated":true}`,
		`{"type":"event_msg","payload":"thinking..."}`,
		`[1,2,3]`,
	} {
		if ev, ok := codex.Parse(codexCtx(), []byte(line)); ok {
			t.Errorf("codex %q produced %T", line, ev.Kind)
		}
	}

	hook := HookParser{}
	for _, raw := range []string{
		"",
		"Thinking...",
		`{}`,
		`{"session_id":"s"}`,
		`{"hook_event_name":"Stop"}`,
		`[{"hook_event_name":"Stop"}]`,
	} {
		if ev, ok := hook.Parse(hookCtx(), []byte(raw)); ok {
			t.Errorf("hook %q produced %T", raw, ev.Kind)
		}
	}
}

func TestSkipIsIdempotent(t *testing.T) {
	p := NewCodexParser()
	for i := 0; i < 3; i++ {
		if _, ok := p.Parse(codexCtx(), []byte("nothing to see")); ok {
			t.Fatalf("pass %d produced an event", i)
		}
	}
}

func TestHookMapping(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "session start with model object",
			raw:  `{"hook_event_name":"SessionStart","session_id":"s1","cwd":"/w","model":{"id":"claude-opus"}}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(SessionStart)
				if k.CWD != "/w" || k.Model != "claude-opus" || ev.CWD != "/w" {
					t.Errorf("got %+v / %+v", k, ev)
				}
			},
		},
		{
			name: "prompt submit",
			raw:  `{"hook_event_name":"UserPromptSubmit","session_id":"s1","prompt":"hi"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.Kind.(Processing); !ok {
					t.Errorf("kind = %T", ev.Kind)
				}
			},
		},
		{
			name: "pre tool use",
			raw:  `{"hook_event_name":"PreToolUse","session_id":"s1","tool_name":"Bash","tool_use_id":"t1","tool_input":{"command":"ls","timeout":5}}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(PreToolUse)
				if k.ToolUseID != "t1" || k.ToolName != "Bash" || k.ToolInput["command"] != "ls" || k.ToolInput["timeout"] != "5" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "post tool use failure",
			raw:  `{"hook_event_name":"PostToolUse","session_id":"s1","tool_name":"Bash","tool_use_id":"t1","tool_response":{"is_error":true}}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(PostToolUse)
				if k.ToolUseID != "t1" || k.Success {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "permission request without id",
			raw:  `{"hook_event_name":"PermissionRequest","session_id":"s1","tool_name":"Write","tool_input":{"file_path":"/x"}}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(PermissionRequest)
				if k.RequestID == "" || k.ToolName != "Write" || k.ToolInput["file_path"] != "/x" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "notification",
			raw:  `{"hook_event_name":"Notification","session_id":"s1","message":"waiting","notification_type":"idle_prompt"}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(Notification)
				if k.Message != "waiting" || k.NotificationType != "idle_prompt" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "pre compact",
			raw:  `{"hook_event_name":"PreCompact","session_id":"s1"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.Kind.(Compacting); !ok {
					t.Errorf("kind = %T", ev.Kind)
				}
			},
		},
		{
			name: "session end with transcript",
			raw:  `{"hook_event_name":"SessionEnd","session_id":"s1","reason":"logout","transcript_path":"/t.jsonl"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Kind.(SessionEnd).Reason != "logout" || ev.TranscriptPath != "/t.jsonl" {
					t.Errorf("got %+v", ev)
				}
			},
		},
		{
			name: "unknown becomes custom",
			raw:  `{"event":"subagent_stop","session_id":"s1","message":"m"}`,
			check: func(t *testing.T, ev Event) {
				k := ev.Kind.(Custom)
				if k.EventName != "subagent_stop" || k.Payload["message"] != "m" {
					t.Errorf("got %+v", k)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := HookParser{}.Parse(hookCtx(), []byte(tt.raw))
			if !ok {
				t.Fatal("no event")
			}
			if ev.AgentID != "claude" || ev.SessionID != "s1" {
				t.Errorf("identity = %s/%s", ev.AgentID, ev.SessionID)
			}
			tt.check(t, ev)
		})
	}
}

func TestCodexMapping(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want func(t *testing.T, ev Event)
	}{
		{
			name: "session meta",
			raw:  `{"type":"session_meta","payload":{"id":"abc","cwd":"/repo"}}`,
			want: func(t *testing.T, ev Event) {
				if ev.Kind.(SessionStart).CWD != "/repo" || ev.CWD != "/repo" {
					t.Errorf("got %+v", ev)
				}
			},
		},
		{
			name: "turn context",
			raw:  `{"type":"turn_context","payload":{"model":"gpt-5","cwd":"/repo"}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(Custom)
				if k.EventName != "turn_context" || k.Payload["model"] != "gpt-5" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "user message",
			raw:  `{"type":"event_msg","payload":{"type":"user_message","message":"fix it"}}`,
			want: func(t *testing.T, ev Event) {
				if _, ok := ev.Kind.(Processing); !ok {
					t.Errorf("kind = %T", ev.Kind)
				}
			},
		},
		{
			name: "agent message",
			raw:  `{"type":"event_msg","payload":{"type":"agent_message","message":"on it"}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(Custom)
				if k.EventName != "agent_message" || k.Payload["message"] != "on it" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "exec begin",
			raw:  `{"type":"event_msg","payload":{"type":"exec_command_begin","call_id":"c1","command":["bash","-lc","ls"]}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PreToolUse)
				if k.ToolUseID != "c1" || k.ToolName != "exec" || k.ToolInput["command"] != "bash -lc ls" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "exec end failed",
			raw:  `{"type":"event_msg","payload":{"type":"exec_command_end","call_id":"c1","exit_code":2}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PostToolUse)
				if k.ToolUseID != "c1" || k.Success {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "exec approval",
			raw:  `{"type":"event_msg","payload":{"type":"exec_approval_request","call_id":"c2","command":"rm -rf build","reason":"writes outside sandbox"}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PermissionRequest)
				if k.RequestID != "c2" || k.ToolInput["command"] != "rm -rf build" || k.ToolInput["reason"] == "" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "patch approval",
			raw:  `{"type":"event_msg","payload":{"type":"apply_patch_approval_request","call_id":"c3","changes":{"a.go":{}}}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PermissionRequest)
				if k.ToolName != "apply_patch" || k.ToolInput["changes"] == "" {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "patch applied",
			raw:  `{"type":"event_msg","payload":{"type":"patch_apply_end","call_id":"c3","success":false}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PostToolUse)
				if k.ToolUseID != "c3" || k.ToolName != "apply_patch" || k.Success {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "function call",
			raw:  `{"type":"response_item","payload":{"type":"function_call","name":"shell","call_id":"f1","arguments":"{\"command\":[\"ls\"]}"}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PreToolUse)
				if k.ToolName != "shell" || k.ToolUseID != "f1" || k.ToolInput["command"] != `["ls"]` {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "function output",
			raw:  `{"type":"response_item","payload":{"type":"function_call_output","call_id":"f1","output":"{\"output\":\"x\",\"metadata\":{\"exit_code\":1}}"}}`,
			want: func(t *testing.T, ev Event) {
				k := ev.Kind.(PostToolUse)
				if k.ToolUseID != "f1" || k.Success {
					t.Errorf("got %+v", k)
				}
			},
		},
		{
			name: "compacted",
			raw:  `{"type":"compacted","payload":{"message":""}}`,
			want: func(t *testing.T, ev Event) {
				if _, ok := ev.Kind.(Compacting); !ok {
					t.Errorf("kind = %T", ev.Kind)
				}
			},
		},
		{
			name: "flat hook record",
			raw:  `{"event":"Stop","session_id":"other"}`,
			want: func(t *testing.T, ev Event) {
				if _, ok := ev.Kind.(Stop); !ok || ev.SessionID != "other" {
					t.Errorf("got %+v", ev)
				}
			},
		},
	}
	p := NewCodexParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := p.Parse(codexCtx(), []byte(tt.raw))
			if !ok {
				t.Fatal("no event")
			}
			tt.want(t, ev)
		})
	}
}

func TestPatternTableIsReplaceable(t *testing.T) {
	p := &CodexParser{Text: PatternTable{{
		Name:    "custom",
		Phrases: []string{"beep"},
		Build:   func(string) Kind { return Compacting{} },
	}}}
	if _, ok := p.Parse(codexCtx(), []byte("Thinking...")); ok {
		t.Error("default phrase matched a replaced table")
	}
	ev, ok := p.Parse(codexCtx(), []byte("BEEP boop"))
	if !ok {
		t.Fatal("custom phrase missed")
	}
	if _, isCompact := ev.Kind.(Compacting); !isCompact {
		t.Errorf("kind = %T", ev.Kind)
	}

	var parser Parser = ParserFunc(func(pc ParseContext, raw []byte) (Event, bool) {
		return NewEvent(pc.AgentID, pc.SessionID, Processing{}), true
	})
	if _, ok := parser.Parse(codexCtx(), nil); !ok {
		t.Error("ParserFunc not called")
	}
}

func TestEventIsImmutableCopy(t *testing.T) {
	input := map[string]string{"command": "ls"}
	ev := NewEvent("claude", "s", PreToolUse{ToolUseID: "t", ToolInput: input})
	input["command"] = "rm"
	if got := ev.Kind.(PreToolUse).ToolInput["command"]; got != "ls" {
		t.Errorf("event saw caller mutation: %q", got)
	}

	with := ev.With("/w", 42, "")
	if ev.CWD != "" || with.CWD != "/w" || with.PID != 42 {
		t.Errorf("With changed the original or lost values: %+v / %+v", ev, with)
	}
}

func TestParseCodexSessionMeta(t *testing.T) {
	meta, ok := ParseCodexSessionMeta([]byte(`{"type":"session_meta","payload":{"id":"abc","cwd":"/repo"}}` + "\n"))
	if !ok || meta.ID != "abc" || meta.CWD != "/repo" {
		t.Errorf("meta = %+v ok=%v", meta, ok)
	}
	if _, ok := ParseCodexSessionMeta([]byte(`{"type":"event_msg"}`)); ok {
		t.Error("non-header accepted")
	}
}
