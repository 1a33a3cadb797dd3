package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/bulk"
	"github.com/lherron/matchq/internal/cli/appctx"
)

var diffCmd = &cobra.Command{
	Use:   "diff <address>... | -",
	Short: "Show the change a match would make",
	Long: `Prints a unified diff between the file on disk and the file with the
proposed replacement applied. Pass - to read addresses from stdin.

Examples:
  matchq diff 'match:///src/app.ts?scheme=file&matchId=0&gen=3'
  matchq ls -1 src/app.ts | matchq diff -
`,
	Args: cobra.MinimumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDiff),
}

var (
	diffJobs            int
	diffContinueOnError bool
)

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().IntVarP(&diffJobs, "jobs", "j", 4, "Number of diffs fetched in parallel")
	diffCmd.Flags().BoolVar(&diffContinueOnError, "continue-on-error", false, "Keep going when a match cannot be diffed")
}

func runDiff(app *appctx.App, cmd *cobra.Command, args []string) error {
	addrs, err := bulk.ExpandArgs(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses given")
	}

	op := bulk.Operation{Jobs: diffJobs, ContinueOnError: diffContinueOnError}
	result := bulk.Execute(cmd.Context(), op, addrs, func(ctx context.Context, addr string) (string, error) {
		return app.Client.Diff(ctx, addr)
	})

	out := cmd.OutOrStdout()
	for _, d := range result.Values {
		if d == "" {
			continue
		}
		if _, err := io.WriteString(out, d); err != nil {
			return err
		}
	}
	if result.Failed > 0 {
		if len(addrs) == 1 {
			return result.Errors[0].Error
		}
		result.PrintSummary(cmd.ErrOrStderr())
		return exitError(result.ExitCode(), fmt.Errorf("%d of %d diffs failed", result.Failed, result.TotalItems))
	}
	return nil
}
