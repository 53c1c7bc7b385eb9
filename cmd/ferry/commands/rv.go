package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// RvCmd inspects and waits on resource versions.
var RvCmd = &cobra.Command{
	Use:   "rv",
	Short: "Inspect and wait on resource versions",
	Long: `Inspect and wait on resource versions.

Versions move through their lifecycle (writable, ready, readable) on the
remote side; ferry only observes the transitions.

Examples:
  ferry rv get 42
  ferry rv create
  ferry rv wait 42 --timeout 10m
  ferry rv delete 42`,
}

var rvWaitTimeout time.Duration

var rvGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a version's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		state, err := s.machine.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("version %s: writable=%t ready=%t readable=%t live=%t\n",
			state.ID, state.Writable, state.Ready, state.Readable, state.IsLive)
		return nil
	},
}

var rvCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a fresh resource version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		state, err := s.client.CreateVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("created version %s (writable=%t)\n", state.ID, state.Writable)
		return nil
	},
}

var rvWaitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Block until a version is ready and live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if rvWaitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rvWaitTimeout)
			defer cancel()
		}
		state, err := s.machine.WaitUntilReady(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("version %s is ready (since %s)\n", state.ID, state.ReadyAt.Format(time.RFC3339))
		return nil
	},
}

var rvDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a resource version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		if err := s.client.DeleteVersion(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted version %s\n", args[0])
		return nil
	},
}

func init() {
	rvWaitCmd.Flags().DurationVar(&rvWaitTimeout, "timeout", 0, "Give up after this long (0 waits forever)")

	RvCmd.AddCommand(rvGetCmd)
	RvCmd.AddCommand(rvCreateCmd)
	RvCmd.AddCommand(rvWaitCmd)
	RvCmd.AddCommand(rvDeleteCmd)
}
