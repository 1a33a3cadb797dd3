package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/cli/appctx"
	"github.com/lherron/matchq/internal/id"
)

var logCmd = &cobra.Command{
	Use:   "log [run]",
	Short: "Show apply history",
	Long: `Lists apply runs, newest first, or shows one run and the matches it
wrote. With --events the lifecycle event log is listed instead.

Examples:
  matchq log                          # recent runs
  matchq log --migration rename-logger
  matchq log R-00012                  # one run
  matchq log --events --since 40      # lifecycle events after id 40
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLog),
}

var (
	logMigration string
	logLimit     int
	logEvents    bool
	logSince     int64
	logType      string
	logCursor    string
)

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().StringVar(&logMigration, "migration", "", "Only runs of this migration")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Limit number of entries (0 = unlimited)")
	logCmd.Flags().BoolVar(&logEvents, "events", false, "List lifecycle events instead of runs")
	logCmd.Flags().Int64Var(&logSince, "since", 0, "With --events, start after this event id")
	logCmd.Flags().StringVar(&logType, "type", "", "With --events, only this event type")
	logCmd.Flags().StringVar(&logCursor, "cursor", "", "Pagination cursor from a previous page")
}

func runLog(app *appctx.App, cmd *cobra.Command, args []string) error {
	if logEvents {
		return runEventLog(app, cmd)
	}
	if len(args) == 1 {
		return runShowRun(app, cmd, args[0])
	}

	runs, next, err := app.Client.Runs(cmd.Context(), logMigration, logLimit, logCursor)
	if err != nil {
		return err
	}
	if next != "" {
		defer fmt.Fprintf(cmd.ErrOrStderr(), "next: matchq log --cursor %s\n", next)
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{r.ID, r.StartedAt, r.Migration, r.Status, strconv.Itoa(r.MatchCount), oneLine(r.CommitMessage, r.Error)})
	}
	return app.Renderer.Render(runs, []string{"ID", "STARTED", "MIGRATION", "STATUS", "MATCHES", "MESSAGE"}, rows)
}

func runShowRun(app *appctx.App, cmd *cobra.Command, ref string) error {
	if !id.IsUUID(ref) {
		seq, err := id.ParseRun(ref)
		if err != nil {
			return err
		}
		ref = id.FormatRun(seq)
	}
	run, err := app.Client.Run(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if f := app.Renderer.Format(); f != "table" && f != "tsv" {
		return app.Renderer.Render(run, nil, nil)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s)\n", run.ID, run.UUID)
	fmt.Fprintf(out, "Migration: %s\n", run.Migration)
	fmt.Fprintf(out, "Status:    %s (%s)\n", run.Status, run.Phase)
	fmt.Fprintf(out, "Started:   %s\n", run.StartedAt)
	if run.FinishedAt != "" {
		fmt.Fprintf(out, "Finished:  %s\n", run.FinishedAt)
	}
	if run.CommitMessage != "" {
		fmt.Fprintf(out, "\n    %s\n", run.CommitMessage)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", run.Error)
	}
	if run.VerifyError != "" {
		fmt.Fprintf(out, "\nVerification failed: %s\n", run.VerifyError)
	}
	if len(run.Matches) > 0 {
		fmt.Fprintln(out)
		for _, m := range run.Matches {
			fmt.Fprintf(out, "  %s  %s\n", m.File, m.Label)
		}
	}
	return nil
}

func runEventLog(app *appctx.App, cmd *cobra.Command) error {
	evs, err := app.Client.EventLog(cmd.Context(), logType, logSince, logLimit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(evs))
	for _, e := range evs {
		rows = append(rows, []string{strconv.FormatInt(e.ID, 10), e.CreatedAt, e.Type, e.Migration})
	}
	return app.Renderer.Render(evs, []string{"ID", "AT", "TYPE", "MIGRATION"}, rows)
}

// oneLine returns the first line of the first non-empty string.
func oneLine(candidates ...string) string {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			return s[:i]
		}
		return s
	}
	return ""
}
