package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/cli/appctx"
	"github.com/lherron/matchq/internal/coverage"
	"github.com/lherron/matchq/internal/parse"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Manage the coverage report used by apply --well-covered",
}

var coverageSetCmd = &cobra.Command{
	Use:   "set <report.json|report.yaml|->",
	Short: "Replace the daemon's coverage report",
	Long: `Replaces the coverage report held by the daemon. The report is a list of
files with per-line hit counts, as JSON or YAML:

  [{"file": "src/app.ts", "lines": [{"line": 3, "hits": 1}, {"line": 4, "hits": 0}]}]

or a map of file to line hits:

  {"src/app.ts": {"3": 1, "4": 0}}

Relative file names are resolved against the project root. Pass - to read
from stdin; the format is detected from the content.
`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runCoverageSet),
}

var coverageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop the coverage report",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runCoverageClear),
}

func init() {
	rootCmd.AddCommand(coverageCmd)
	coverageCmd.AddCommand(coverageSetCmd, coverageClearCmd)
}

func runCoverageSet(app *appctx.App, cmd *cobra.Command, args []string) error {
	report, err := readCoverageReport(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	resp, err := app.Client.CoverageSet(cmd.Context(), api.CoverageSetRequest{Report: report})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Coverage set for %d file(s), %d changed\n", resp.Files, resp.Changed)
	return nil
}

func runCoverageClear(app *appctx.App, cmd *cobra.Command, args []string) error {
	if _, err := app.Client.CoverageSet(cmd.Context(), api.CoverageSetRequest{Clear: true}); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Coverage cleared")
	return nil
}

func readCoverageReport(name string, stdin io.Reader) ([]coverage.FileCoverage, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading coverage report: %w", err)
	}

	format := ""
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		format = string(parse.FormatYAML)
	case ".json":
		format = string(parse.FormatJSON)
	}
	report, err := parse.Coverage(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing coverage report %s: %w", name, err)
	}
	return report, nil
}
