package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.agentisland, or $ISLAND_HOME when set.
func GetUserConfigDir() (string, error) {
	if dir := os.Getenv("ISLAND_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".agentisland"), nil
}

// ConfigPath is the default config file location.
func ConfigPath() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ResolveSocketPath returns the configured socket or the default under dir.
func (c *Config) ResolveSocketPath(dir string) string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(dir, "island.sock")
}

// ResolveDBPath returns the configured database or the default under dir.
func (c *Config) ResolveDBPath(dir string) string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(dir, "island.db")
}

// EnsureConfigDir creates dir if missing.
func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
