package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// hookCmd is what agent settings files invoke. It must never make the agent
// fail: every error path exits 0 with empty output.
func hookCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "hook <agent>",
		Short:  "Forward hook JSON on stdin to the daemon",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("island hook expects hook JSON on stdin")
			}
			payload, err := io.ReadAll(io.LimitReader(os.Stdin, 4<<20))
			if err != nil || len(payload) == 0 {
				return nil
			}
			client, err := daemonClient()
			if err != nil {
				return nil
			}
			ctx, cancel := signalContext()
			defer cancel()
			out, err := client.Deliver(ctx, args[0], payload)
			if err != nil {
				return nil
			}
			os.Stdout.Write(out)
			return nil
		},
	}
}
