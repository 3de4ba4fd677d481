package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Built-in agent ids.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
)

// Config is the persisted island configuration (~/.agentisland/config.yaml).
type Config struct {
	EnabledAgents []string        `yaml:"enabled_agents"`
	CustomAgents  CustomAgentList `yaml:"custom_agents,omitempty"`
	SocketPath    string          `yaml:"socket_path,omitempty"`
	DBPath        string          `yaml:"db_path,omitempty"`
	Logging       LoggingConfig   `yaml:"logging,omitempty"`
	Intervals     Intervals       `yaml:"intervals,omitempty"`
	Notify        NotifyConfig    `yaml:"notify,omitempty"`
}

// NotifyConfig enables ntfy pushes. An empty topic disables them.
type NotifyConfig struct {
	Topic  string `yaml:"topic,omitempty"`
	Token  string `yaml:"token,omitempty"`
	Events string `yaml:"events,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// Intervals are the latency/CPU tradeoff knobs of the polling loops.
type Intervals struct {
	ProcessScan    time.Duration `yaml:"process_scan,omitempty"`
	Liveness       time.Duration `yaml:"liveness,omitempty"`
	Tail           time.Duration `yaml:"tail,omitempty"`
	Debounce       time.Duration `yaml:"debounce,omitempty"`
	EndGrace       time.Duration `yaml:"end_grace,omitempty"`
	ConfigDebounce time.Duration `yaml:"config_debounce,omitempty"`
}

// DefaultIntervals returns the stock polling policy.
func DefaultIntervals() Intervals {
	return Intervals{
		ProcessScan:    3 * time.Second,
		Liveness:       2 * time.Second,
		Tail:           750 * time.Millisecond,
		Debounce:       100 * time.Millisecond,
		EndGrace:       10 * time.Second,
		ConfigDebounce: 750 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultIntervals.
func (iv Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	if iv.ProcessScan <= 0 {
		iv.ProcessScan = d.ProcessScan
	}
	if iv.Liveness <= 0 {
		iv.Liveness = d.Liveness
	}
	if iv.Tail <= 0 {
		iv.Tail = d.Tail
	}
	if iv.Debounce <= 0 {
		iv.Debounce = d.Debounce
	}
	if iv.EndGrace <= 0 {
		iv.EndGrace = d.EndGrace
	}
	if iv.ConfigDebounce <= 0 {
		iv.ConfigDebounce = d.ConfigDebounce
	}
	return iv
}

// CustomAgent describes a user-declared agent that delivers hook JSON over its
// own unix socket.
type CustomAgent struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Color      string `yaml:"color,omitempty" json:"color,omitempty"`
	Icon       string `yaml:"icon,omitempty" json:"icon,omitempty"`
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`
}

// CustomAgentList supports mixed YAML: a bare id ("aider") or a full mapping.
type CustomAgentList []CustomAgent

// UnmarshalYAML handles both scalar ids and mapping nodes in a YAML sequence.
func (cl *CustomAgentList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"custom_agents: expected sequence"}}
	}
	var result CustomAgentList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, CustomAgent{ID: item.Value})
		case yaml.MappingNode:
			var entry CustomAgent
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*cl = result
	return nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		EnabledAgents: []string{AgentClaude, AgentCodex},
		Logging:       LoggingConfig{Level: "info"},
		Intervals:     DefaultIntervals(),
	}
}

// Load reads the config file at path. A missing file yields Default() with no
// error. Paths are expanded and defaults filled before validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if lvl := os.Getenv("ISLAND_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Intervals = c.Intervals.withDefaults()
	if c.Notify.Topic != "" && c.Notify.Events == "" {
		c.Notify.Events = "attention,exit"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	seen := make(map[string]bool, len(c.EnabledAgents))
	ids := c.EnabledAgents[:0]
	for _, id := range c.EnabledAgents {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	c.EnabledAgents = ids
	home, _ := os.UserHomeDir()
	for i := range c.CustomAgents {
		ca := &c.CustomAgents[i]
		ca.ID = strings.TrimSpace(ca.ID)
		if ca.Name == "" {
			ca.Name = ca.ID
		}
		ca.SocketPath = ExpandHome(ca.SocketPath, home)
	}
	c.SocketPath = ExpandHome(c.SocketPath, home)
	c.DBPath = ExpandHome(c.DBPath, home)
	c.Logging.File = ExpandHome(c.Logging.File, home)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seen := map[string]bool{AgentClaude: true, AgentCodex: true}
	for _, ca := range c.CustomAgents {
		if ca.ID == "" {
			return fmt.Errorf("%w: custom_agents entry without id", ErrInvalidConfig)
		}
		if seen[ca.ID] {
			return fmt.Errorf("%w: duplicate agent id %q", ErrInvalidConfig, ca.ID)
		}
		seen[ca.ID] = true
		if ca.SocketPath == "" {
			return fmt.Errorf("%w: custom agent %q needs socket_path", ErrInvalidConfig, ca.ID)
		}
	}
	return nil
}

// IsEnabled reports whether id is listed in enabled_agents.
func (c *Config) IsEnabled(id string) bool {
	return slices.Contains(c.EnabledAgents, id)
}

// SetEnabled replaces the enabled set, keeping it sorted for stable diffs.
func (c *Config) SetEnabled(ids []string) {
	out := slices.Clone(ids)
	slices.Sort(out)
	c.EnabledAgents = slices.Compact(out)
}

// CustomAgent returns the descriptor for id.
func (c *Config) CustomAgent(id string) (CustomAgent, bool) {
	for _, ca := range c.CustomAgents {
		if ca.ID == id {
			return ca, true
		}
	}
	return CustomAgent{}, false
}

// SaveEnabled rewrites only enabled_agents in the file at path. Everything
// else, including comments and unexpanded ~ paths, stays as the user wrote it.
func SaveEnabled(path string, ids []string) error {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))

	var doc yaml.Node
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: top level is not a mapping", ErrInvalidConfig)
	}

	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: []*yaml.Node{}}
	for _, id := range ids {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: id})
	}
	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "enabled_agents" {
			seq.Style = root.Content[i+1].Style
			root.Content[i+1] = seq
			replaced = true
			break
		}
	}
	if !replaced {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "enabled_agents"}
		root.Content = append([]*yaml.Node{key, seq}, root.Content...)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeAtomic(path, out)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with home.
func ExpandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
