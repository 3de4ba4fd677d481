package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/agentisland/internal/session"
	"github.com/ehrlich-b/agentisland/internal/store"
)

var phaseColor = map[session.Phase]*color.Color{
	session.PhaseWaitingForInput:    color.New(color.FgHiBlack),
	session.PhaseProcessing:         color.New(color.FgCyan),
	session.PhaseRunningTool:        color.New(color.FgBlue),
	session.PhaseWaitingForApproval: color.New(color.FgYellow, color.Bold),
	session.PhaseCompacting:         color.New(color.FgMagenta),
	session.PhaseEnded:              color.New(color.FgHiBlack),
}

func phaseLabel(p session.Phase) string {
	c, ok := phaseColor[p]
	if !ok {
		return string(p)
	}
	return c.Sprint(strings.ReplaceAll(string(p), "_", " "))
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			states, err := client.Sessions(cmd.Context())
			if err != nil {
				return notRunning(err)
			}
			if len(states) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			t := newTable(cmd.OutOrStdout(), table.Row{"AGENT", "SESSION", "PHASE", "CWD", "IDLE"})
			for _, st := range states {
				t.AppendRow(table.Row{
					st.AgentID, short(st.SessionID), phaseLabel(st.Phase),
					filepath.Base(st.CWD), time.Since(st.LastActivity).Truncate(time.Second),
				})
				for _, p := range st.PendingPermissions {
					t.AppendRow(table.Row{"", "", color.YellowString("? " + p.ToolName), p.RequestID, ""})
				}
			}
			t.Render()
			return nil
		},
	}
}

func permitCmd() *cobra.Command {
	var deny bool
	var reason string
	cmd := &cobra.Command{
		Use:   "permit <agent> <session> <request>",
		Short: "Allow (or --deny) a pending permission request",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			key := session.Key{AgentID: args[0], SessionID: args[1]}
			if err := client.Permit(cmd.Context(), key, args[2], !deny, reason); err != nil {
				return notRunning(err)
			}
			if deny {
				fmt.Println(color.RedString("denied"), args[2])
			} else {
				fmt.Println(color.GreenString("allowed"), args[2])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "deny instead of allow")
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the agent on deny")
	return cmd
}

func historyCmd() *cobra.Command {
	var agentFlag string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently ended sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.ResolveDBPath(filepath.Dir(path)))
			if err != nil {
				return err
			}
			defer db.Close()
			rows, err := db.RecentSessions(cmd.Context(), agentFlag, limit)
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout(), table.Row{"ENDED", "AGENT", "SESSION", "DURATION", "CWD", "REASON"})
			for _, e := range rows {
				t.AppendRow(table.Row{
					e.EndedAt.Local().Format("Jan 02 15:04"), e.AgentID, short(e.StableID),
					e.Duration().Truncate(time.Second), e.CWD, e.EndReason,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&agentFlag, "agent", "", "only this agent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to show")
	return cmd
}

// newTable renders a borderless table to w.
func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleDefault)
	t.Style().Options = table.OptionsNoBordersAndSeparators
	t.AppendHeader(header)
	return t
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
