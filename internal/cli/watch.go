package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/cli/appctx"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live daemon events",
	Long: `Streams live events from the daemon until interrupted: lifecycle signals,
process transitions, queue changes, content changes, apply progress and
coverage updates.

Examples:
  matchq watch                      # every event
  matchq watch --kind signal,apply  # only some kinds
  matchq watch -o ndjson | jq .
`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runWatch),
}

var watchKinds []string

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSliceVar(&watchKinds, "kind", nil, "Only these event kinds (signal, process, matches, content, apply, coverage)")
}

func runWatch(app *appctx.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	structured := app.Renderer.Format() != "table" && app.Renderer.Format() != "tsv"
	enc := json.NewEncoder(out)

	err := app.Client.Events(cmd.Context(), func(ev api.StreamEvent) error {
		if len(watchKinds) > 0 && !slices.Contains(watchKinds, ev.Kind) {
			return nil
		}
		if structured {
			return enc.Encode(ev)
		}
		_, err := fmt.Fprintf(out, "%s  %-8s  %s\n", ev.At.Local().Format("15:04:05.000"), ev.Kind, ev.Data)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
