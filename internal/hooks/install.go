package hooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// HookMarker identifies commands this program installed. Any hook command
// containing it is treated as ours on uninstall.
const HookMarker = "island hook "

// ClaudeHookEvents are the Claude Code hook events the daemon listens to.
var ClaudeHookEvents = []string{
	"SessionStart",
	"SessionEnd",
	"UserPromptSubmit",
	"PreToolUse",
	"PostToolUse",
	"PermissionRequest",
	"Notification",
	"Stop",
	"PreCompact",
}

// Tool events take a matcher; lifecycle events don't.
var matcherEvents = map[string]bool{
	"PreToolUse":        true,
	"PostToolUse":       true,
	"PermissionRequest": true,
}

// permissionTimeout is how long (seconds) Claude waits on a held
// PermissionRequest hook before falling back to its own prompt.
const permissionTimeout = 86400

// Installer edits an agent's JSON settings file, adding or removing the hook
// entries that point at `island hook <agent>`. Unrelated settings and hooks
// are preserved.
type Installer struct {
	SettingsPath string
	Command      string
	Events       []string
}

func NewClaudeInstaller(settingsPath, command string) *Installer {
	return &Installer{SettingsPath: settingsPath, Command: command, Events: ClaudeHookEvents}
}

// ClaudeSettingsPath is ~/.claude/settings.json.
func ClaudeSettingsPath(home string) string {
	return filepath.Join(home, ".claude", "settings.json")
}

// Install upserts our hook group for every event. changed is false when the
// file already had exactly these entries.
func (in *Installer) Install() (changed bool, err error) {
	settings, err := in.read()
	if err != nil {
		return false, err
	}
	before, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = make(map[string]any)
	}
	for _, event := range in.Events {
		groups, _ := hooks[event].([]any)
		want := in.group(event)
		if hasGroup(groups, want) && countOurs(groups) == 1 {
			continue
		}
		groups = stripOurs(groups)
		hooks[event] = append(groups, want)
	}
	settings["hooks"] = hooks

	after, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}
	if bytes.Equal(before, after) {
		return false, nil
	}
	return true, in.write(settings)
}

// Uninstall removes our entries and nothing else.
func (in *Installer) Uninstall() (changed bool, err error) {
	settings, err := in.read()
	if err != nil {
		return false, err
	}
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		return false, nil
	}
	for event, v := range hooks {
		groups, _ := v.([]any)
		if countOurs(groups) == 0 {
			continue
		}
		changed = true
		groups = stripOurs(groups)
		if len(groups) == 0 {
			delete(hooks, event)
		} else {
			hooks[event] = groups
		}
	}
	if !changed {
		return false, nil
	}
	if len(hooks) == 0 {
		delete(settings, "hooks")
	}
	return true, in.write(settings)
}

// Installed reports whether every event has our hook.
func (in *Installer) Installed() (bool, error) {
	settings, err := in.read()
	if err != nil {
		return false, err
	}
	hooks, _ := settings["hooks"].(map[string]any)
	for _, event := range in.Events {
		groups, _ := hooks[event].([]any)
		if !hasGroup(groups, in.group(event)) {
			return false, nil
		}
	}
	return true, nil
}

func (in *Installer) group(event string) map[string]any {
	hook := map[string]any{"type": "command", "command": in.Command}
	if event == "PermissionRequest" {
		hook["timeout"] = float64(permissionTimeout)
	}
	g := map[string]any{"hooks": []any{hook}}
	if matcherEvents[event] {
		g["matcher"] = "*"
	}
	return g
}

func hasGroup(groups []any, want map[string]any) bool {
	for _, g := range groups {
		if reflect.DeepEqual(g, want) {
			return true
		}
	}
	return false
}

func isOurs(hook any) bool {
	m, ok := hook.(map[string]any)
	if !ok {
		return false
	}
	cmd, _ := m["command"].(string)
	return strings.Contains(cmd, HookMarker)
}

func countOurs(groups []any) int {
	n := 0
	for _, g := range groups {
		gm, ok := g.(map[string]any)
		if !ok {
			continue
		}
		hs, _ := gm["hooks"].([]any)
		for _, h := range hs {
			if isOurs(h) {
				n++
			}
		}
	}
	return n
}

// stripOurs drops our hooks from every group and then drops groups left
// with no hooks.
func stripOurs(groups []any) []any {
	out := make([]any, 0, len(groups))
	for _, g := range groups {
		gm, ok := g.(map[string]any)
		if !ok {
			out = append(out, g)
			continue
		}
		hs, _ := gm["hooks"].([]any)
		kept := make([]any, 0, len(hs))
		for _, h := range hs {
			if !isOurs(h) {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			continue
		}
		if len(kept) != len(hs) {
			gm["hooks"] = kept
		}
		out = append(out, gm)
	}
	return out
}

func (in *Installer) read() (map[string]any, error) {
	data, err := os.ReadFile(in.SettingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]any), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(map[string]any), nil
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", in.SettingsPath, err)
	}
	if settings == nil {
		settings = make(map[string]any)
	}
	return settings, nil
}

func (in *Installer) write(settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(in.SettingsPath, data); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
