package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "matchq",
	Short: "Review and apply codemod matches queued by matchqd",
	Long: `matchq is the command-line client for matchqd, the daemon that runs
migration scripts over a working tree and queues every match they find.
Start a migration, inspect and edit the proposed replacements, then apply
them one at a time or in batches. Every apply is committed to git.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "matchqd address (overrides MATCHQ_ADDR)")
	rootCmd.PersistentFlags().String("unix", "", "matchqd unix socket path")
	rootCmd.PersistentFlags().String("token", "", "Shared token for local auth (overrides MATCHQ_TOKEN)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv")
	rootCmd.PersistentFlags().Bool("porcelain", false, "Machine-readable output")
}
