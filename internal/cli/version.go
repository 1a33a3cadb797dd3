package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/cli/appctx"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information.`,
	RunE:  appctx.WithApp(appctx.Offline(), runVersion),
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

type versionInfo struct {
	Version   string   `json:"version" yaml:"version"`
	Commit    string   `json:"commit" yaml:"commit"`
	BuildDate string   `json:"build_date" yaml:"build_date"`
	Formats   []string `json:"supported_formats" yaml:"supported_formats"`
}

func runVersion(app *appctx.App, cmd *cobra.Command, args []string) error {
	info := versionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		Formats:   []string{"table", "json", "ndjson", "yaml", "tsv"},
	}
	if f := app.Renderer.Format(); f != "table" && f != "tsv" {
		return app.Renderer.Render(info, nil, nil)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "matchq version %s\n", Version)
	fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", GitCommit)
	fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", BuildDate)
	return nil
}
