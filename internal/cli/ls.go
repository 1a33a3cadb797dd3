package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/cli/appctx"
)

var lsCmd = &cobra.Command{
	Use:     "ls [file]",
	Aliases: []string{"list"},
	Short:   "List queued matches",
	Long: `Lists the queued matches of the current migration, optionally of one
file (relative to the project root).

Examples:
  matchq ls
  matchq ls src/app.ts --all     # include resolved matches
  matchq ls -1 | matchq apply -  # apply every queued match
  matchq ls --covered            # only matches whose lines are covered
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLs),
}

var showCmd = &cobra.Command{
	Use:     "show <address>",
	Aliases: []string{"cat"},
	Short:   "Print the proposed replacement for a match",
	Args:    cobra.ExactArgs(1),
	RunE:    appctx.WithApp(appctx.DefaultOptions(), runShow),
}

var nextCmd = &cobra.Command{
	Use:   "next <address>",
	Short: "Print the queued match after the given one",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runNext),
}

var (
	lsAll     bool
	lsOne     bool
	lsCovered bool
)

func init() {
	rootCmd.AddCommand(lsCmd, showCmd, nextCmd)

	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include resolved matches")
	lsCmd.Flags().BoolVarP(&lsOne, "one", "1", false, "Print addresses only, one per line")
	lsCmd.Flags().BoolVar(&lsCovered, "covered", false, "Only matches fully covered by the coverage report")
}

func runLs(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		views []api.MatchView
		err   error
	)
	if lsCovered {
		if len(args) > 0 || lsAll {
			return fmt.Errorf("--covered cannot be combined with a file or --all")
		}
		views, err = app.Client.CoverageMatches(ctx)
	} else {
		file := ""
		if len(args) == 1 {
			file = args[0]
		}
		views, err = app.Client.Matches(ctx, file, lsAll)
	}
	if err != nil {
		return err
	}

	if lsOne {
		for _, v := range views {
			fmt.Fprintln(cmd.OutOrStdout(), v.Address)
		}
		return nil
	}
	return renderMatches(app, views)
}

func renderMatches(app *appctx.App, views []api.MatchView) error {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{v.File, strconv.Itoa(v.Index), v.State, v.Label, v.Address})
	}
	return app.Renderer.Render(views, []string{"FILE", "#", "STATE", "LABEL", "ADDRESS"}, rows)
}

func runShow(app *appctx.App, cmd *cobra.Command, args []string) error {
	v, err := app.Client.Content(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if f := app.Renderer.Format(); f != "table" && f != "tsv" {
		return app.Renderer.Render(v, nil, nil)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), v.Content)
	return err
}

func runNext(app *appctx.App, cmd *cobra.Command, args []string) error {
	v, err := app.Client.Next(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if f := app.Renderer.Format(); f != "table" && f != "tsv" {
		return app.Renderer.Render(v, nil, nil)
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Address)
	return nil
}
