package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/bulk"
	"github.com/lherron/matchq/internal/cli/appctx"
)

var applyCmd = &cobra.Command{
	Use:   "apply [<address>... | -]",
	Short: "Write matches to disk and commit them",
	Long: `Applies the given matches: their proposals are written to the working
tree, committed to git and the migration's verification runs. Several
addresses are applied as one batch and one commit.

Examples:
  matchq apply $ADDR
  matchq ls -1 src/app.ts | matchq apply -
  matchq apply --well-covered     # every match whose lines are covered
`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runApply),
}

var (
	applyWellCovered bool
	applyTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().BoolVar(&applyWellCovered, "well-covered", false, "Apply every queued match fully covered by the coverage report")
	applyCmd.Flags().DurationVar(&applyTimeout, "timeout", 10*time.Minute, "How long to wait for the apply to finish")
}

func runApply(app *appctx.App, cmd *cobra.Command, args []string) error {
	req := api.ApplyRequest{WellCovered: applyWellCovered}
	if applyWellCovered {
		if len(args) > 0 {
			return fmt.Errorf("--well-covered takes no addresses")
		}
	} else {
		addrs, err := bulk.ExpandArgs(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return fmt.Errorf("no addresses given")
		}
		req.Addresses = addrs
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), applyTimeout)
	defer cancel()
	resp, err := app.Client.Apply(ctx, req)
	if err != nil {
		return err
	}

	if f := app.Renderer.Format(); f != "table" && f != "tsv" {
		return app.Renderer.Render(resp, nil, nil)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Applied %d match(es) in %d file(s)", len(resp.Matches), len(resp.Files))
	if resp.Run != "" {
		fmt.Fprintf(out, " [%s]", resp.Run)
	}
	fmt.Fprintln(out)
	if resp.Committed {
		fmt.Fprintf(out, "  committed: %s\n", resp.CommitMessage)
	}
	if resp.VerifyError != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: verification failed: %s\n", resp.VerifyError)
	}
	if resp.AllResolved {
		fmt.Fprintln(out, "All matches resolved.")
	}
	return nil
}
