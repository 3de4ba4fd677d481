package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/daemon"
	"github.com/ehrlich-b/agentisland/internal/hooks"
)

var configFlag string

func main() {
	root := &cobra.Command{
		Use:           "island",
		Short:         "agentisland: one live view of every coding agent on this machine",
		Long:          "Watches Claude Code, Codex and custom agents, tracks their sessions, and answers their permission prompts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.agentisland/config.yaml)")

	root.AddCommand(
		runCmd(),
		agentsCmd(),
		sessionsCmd(),
		permitCmd(),
		historyCmd(),
		hookCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the island daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(cmd.Context(), daemon.Options{ConfigPath: configFlag})
		},
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// daemonClient returns a client for the socket named in the config.
func daemonClient() (*hooks.Client, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return hooks.NewClient(cfg.ResolveSocketPath(filepath.Dir(path))), nil
}

// daemonDown reports whether err means nothing is listening on the socket.
func daemonDown(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func notRunning(err error) error {
	if daemonDown(err) {
		return fmt.Errorf("island daemon is not running (start it with `island run`)")
	}
	return err
}
