package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsEnabled(AgentClaude) || !cfg.IsEnabled(AgentCodex) {
		t.Errorf("enabled = %v, want claude and codex", cfg.EnabledAgents)
	}
	if cfg.Intervals != DefaultIntervals() {
		t.Errorf("intervals = %+v, want defaults", cfg.Intervals)
	}
}

func TestLoadParsesDurationsAndCustomAgents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	input := `
enabled_agents: [codex, aider, codex]
custom_agents:
  - goose
  - id: aider
    name: Aider
    color: "#1f9d55"
    icon: wrench
    socket_path: /tmp/aider.sock
intervals:
  process_scan: 5s
  tail: 250ms
`
	if err := os.WriteFile(path, []byte(input), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for goose without socket, got %v", err)
	}

	input = `
enabled_agents: [codex, aider, codex]
custom_agents:
  - id: aider
    name: Aider
    color: "#1f9d55"
    icon: wrench
    socket_path: /tmp/aider.sock
intervals:
  process_scan: 5s
  tail: 250ms
`
	if err := os.WriteFile(path, []byte(input), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.EnabledAgents) != 2 {
		t.Errorf("enabled = %v, want duplicates dropped", cfg.EnabledAgents)
	}
	if cfg.Intervals.ProcessScan != 5*time.Second || cfg.Intervals.Tail != 250*time.Millisecond {
		t.Errorf("intervals = %+v", cfg.Intervals)
	}
	if cfg.Intervals.Liveness != 2*time.Second {
		t.Errorf("liveness = %v, want default 2s", cfg.Intervals.Liveness)
	}
	ca, ok := cfg.CustomAgent("aider")
	if !ok || ca.Name != "Aider" || ca.SocketPath != "/tmp/aider.sock" {
		t.Errorf("custom agent = %+v, ok=%v", ca, ok)
	}
}

func TestCustomAgentListScalar(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte("custom_agents: [goose]"), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.CustomAgents) != 1 || cfg.CustomAgents[0].ID != "goose" {
		t.Errorf("custom agents = %+v", cfg.CustomAgents)
	}
}

func TestValidateRejectsBuiltinCollision(t *testing.T) {
	cfg := Default()
	cfg.CustomAgents = CustomAgentList{{ID: AgentClaude, SocketPath: "/tmp/x.sock"}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestSaveEnabledOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveEnabled(path, []string{"codex", "claude", "codex"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.EnabledAgents) != 2 || got.EnabledAgents[0] != "claude" {
		t.Errorf("enabled = %v", got.EnabledAgents)
	}
	if got.Intervals.Tail != 750*time.Millisecond {
		t.Errorf("tail = %v", got.Intervals.Tail)
	}
}

func TestSaveEnabledKeepsRawValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `# my island
enabled_agents: [claude]
socket_path: ~/run/island.sock
custom_agents:
  - id: aider
    socket_path: ~/.aider/hooks.sock
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ISLAND_LOG_LEVEL", "debug")

	if err := SaveEnabled(path, []string{"aider", "claude"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{"# my island", "socket_path: ~/run/island.sock", "socket_path: ~/.aider/hooks.sock", "[aider, claude]"} {
		if !strings.Contains(out, want) {
			t.Errorf("saved file lost %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "debug") || strings.Contains(out, "intervals") {
		t.Errorf("saved file picked up runtime values:\n%s", out)
	}
}

func TestSaveEnabledRejectsNonMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("- claude\n"), 0644)
	if err := SaveEnabled(path, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	if got := ExpandHome("~/x.sock", "/home/me"); got != "/home/me/x.sock" {
		t.Errorf("got %q", got)
	}
	if got := ExpandHome("/abs", "/home/me"); got != "/abs" {
		t.Errorf("got %q", got)
	}
}

func TestWatcherDebouncesAndPauses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("enabled_agents: []\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	w, err := NewWatcher(path, func(context.Context) { calls.Add(1) }, WithWatchDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte("enabled_agents: [codex]\n"), 0644)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1 after burst", got)
	}

	w.Pause()
	os.WriteFile(path, []byte("enabled_agents: [claude]\n"), 0644)
	time.Sleep(150 * time.Millisecond)
	w.Resume()
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want paused write ignored", got)
	}
}
