package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/ferry/cmd/ferry/commands"
	"github.com/teranos/ferry/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "ferry - Bulk data transfer for the Records API",
	Long: `ferry - Bulk export, import, and maintenance for the Records API.

ferry moves event and profile data in and out of a remote analytics project
and applies bulk maintenance operations to profiles, with bounded memory,
rate-limited connection pools, and automatic retry of transient failures.

Available commands:
  export  - Stream events or profiles to a local file
  import  - Ship records from a local file into the project
  people  - Bulk profile maintenance (set, unset, rename, dedupe, ...)
  rv      - Inspect and wait on resource versions
  config  - Manage ferry configuration
  version - Show ferry version

Examples:
  ferry export events --from 2024-01-01 --to 2024-01-31 -o events.jsonl
  ferry export people -o profiles.csv --format csv
  ferry import events.jsonl.gz
  ferry people set -p plan=pro --ids u1,u2
  ferry people dedupe --where 'properties["$email"] != ""'
  ferry rv wait 42 --timeout 10m`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			logger.SetDebug()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")

	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.PeopleCmd)
	rootCmd.AddCommand(commands.RvCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Cleanup()
		os.Exit(1)
	}
}
