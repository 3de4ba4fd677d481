package main

import (
	"fmt"
	"slices"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/hooks"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List, enable and disable agent adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listAgents(cmd)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known agents",
			RunE: func(cmd *cobra.Command, args []string) error {
				return listAgents(cmd)
			},
		},
		&cobra.Command{
			Use:   "enable <agent>",
			Short: "Enable an agent and install its hooks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setAgent(cmd, args[0], true)
			},
		},
		&cobra.Command{
			Use:   "disable <agent>",
			Short: "Disable an agent and remove its hooks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setAgent(cmd, args[0], false)
			},
		},
	)
	return cmd
}

func listAgents(cmd *cobra.Command) error {
	agents, err := currentAgents(cmd)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	t := newTable(cmd.OutOrStdout(), table.Row{"ID", "NAME", "STATE", "KIND"})
	for _, a := range agents {
		state := gray("disabled")
		if a.Enabled {
			state = green("enabled")
		}
		kind := "built-in"
		if a.Custom {
			kind = "custom"
		}
		t.AppendRow(table.Row{a.ID, a.Name, state, kind})
	}
	t.Render()
	return nil
}

// currentAgents asks the daemon, or derives the list from the config file
// when it isn't running.
func currentAgents(cmd *cobra.Command) ([]hooks.AgentInfo, error) {
	client, err := daemonClient()
	if err != nil {
		return nil, err
	}
	agents, err := client.Agents(cmd.Context())
	if err == nil {
		return agents, nil
	}
	if !daemonDown(err) {
		return nil, err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return agentsFromConfig(cfg), nil
}

func agentsFromConfig(cfg *config.Config) []hooks.AgentInfo {
	out := []hooks.AgentInfo{
		{ID: config.AgentClaude, Name: "Claude Code", Enabled: cfg.IsEnabled(config.AgentClaude)},
		{ID: config.AgentCodex, Name: "Codex", Enabled: cfg.IsEnabled(config.AgentCodex)},
	}
	for _, ca := range cfg.CustomAgents {
		out = append(out, hooks.AgentInfo{
			ID:      ca.ID,
			Name:    ca.Name,
			Color:   ca.Color,
			Icon:    ca.Icon,
			Enabled: cfg.IsEnabled(ca.ID),
			Custom:  true,
		})
	}
	return out
}

// setAgent goes through the daemon so hooks are installed immediately. With
// no daemon it edits the config file and the next start picks it up.
func setAgent(cmd *cobra.Command, id string, enable bool) error {
	client, err := daemonClient()
	if err != nil {
		return err
	}
	err = client.SetAgentEnabled(cmd.Context(), id, enable)
	switch {
	case err == nil:
		fmt.Printf("%s %s\n", id, verb(enable))
		return nil
	case hooks.IsNotFound(err):
		return fmt.Errorf("unknown agent %q", id)
	case !daemonDown(err):
		return err
	}

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(agentsFromConfig(cfg), func(a hooks.AgentInfo) bool { return a.ID == id }) {
		return fmt.Errorf("unknown agent %q", id)
	}
	ids := slices.DeleteFunc(slices.Clone(cfg.EnabledAgents), func(s string) bool { return s == id })
	if enable {
		ids = append(ids, id)
	}
	if err := config.SaveEnabled(path, ids); err != nil {
		return err
	}
	fmt.Printf("%s %s (daemon not running; applies on next start)\n", id, verb(enable))
	return nil
}

func verb(enable bool) string {
	if enable {
		return "enabled"
	}
	return "disabled"
}
