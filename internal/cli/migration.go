package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/cli/appctx"
	"github.com/lherron/matchq/internal/render"
)

var startCmd = &cobra.Command{
	Use:   "start [migration]",
	Short: "Start a migration and queue its matches",
	Long: `Starts the named migration. The script process is spawned if it is not
already running and every match it finds is queued for review.

Without a name and on a terminal, a picker lists the available migrations.

Examples:
  matchq start rename-logger
  matchq start --debug rename-logger   # spawn the script under the debugger
`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runStart),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current migration and clear its matches",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runLifecycle("stop")),
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Rescan the working tree with the current migration",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runLifecycle("reload")),
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the script process and reload the current migration",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runLifecycle("restart")),
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Kill the script process",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runLifecycle("kill")),
}

var debugCmd = &cobra.Command{
	Use:   "debug [migration]",
	Short: "Run the script process under the debug command",
	Long: `Restarts the script process with the configured debug command and
prints the port the debugger listens on. With a name, that migration is
started; otherwise the current one is reloaded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDebug),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon, process and queue state",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runStatus),
}

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Print the captured output of the script process",
	Args:  cobra.NoArgs,
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runOutput),
}

var migrationsCmd = &cobra.Command{
	Use:     "migrations",
	Aliases: []string{"mig"},
	Short:   "List the migrations the script offers",
	Args:    cobra.NoArgs,
	RunE:    appctx.WithApp(appctx.DefaultOptions(), runMigrations),
}

var (
	startDebug        bool
	restartDebug      bool
	migrationsRefresh bool
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, reloadCmd, restartCmd, killCmd, debugCmd, statusCmd, outputCmd, migrationsCmd)

	startCmd.Flags().BoolVar(&startDebug, "debug", false, "Spawn the script with the debug command")
	restartCmd.Flags().BoolVar(&restartDebug, "debug", false, "Restart the script with the debug command")
	migrationsCmd.Flags().BoolVar(&migrationsRefresh, "refresh", false, "Reload migration files before listing")
}

func runStart(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var name string
	if len(args) == 1 {
		name = args[0]
	} else {
		picked, err := pickMigration(app, cmd)
		if err != nil {
			return err
		}
		name = picked
	}

	st, err := app.Client.Start(ctx, name, startDebug)
	if err != nil {
		return err
	}
	return renderStatus(app, st)
}

// pickMigration asks for a migration name on a terminal.
func pickMigration(app *appctx.App, cmd *cobra.Command) (string, error) {
	if !render.IsTerminal(cmd.InOrStdin()) || !render.IsTerminal(cmd.OutOrStdout()) {
		return "", fmt.Errorf("migration name required")
	}
	resp, err := app.Client.Migrations(cmd.Context())
	if err != nil {
		return "", err
	}
	if len(resp.Migrations) == 0 {
		return "", fmt.Errorf("no migrations found")
	}

	var name string
	options := make([]huh.Option[string], 0, len(resp.Migrations))
	for _, m := range resp.Migrations {
		options = append(options, huh.NewOption(m, m))
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Migration").
			Description("Choose the migration to run").
			Options(options...).
			Value(&name),
	)).WithTheme(huh.ThemeCharm())
	if err := form.RunWithContext(cmd.Context()); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", exitError(1, fmt.Errorf("aborted"))
		}
		return "", err
	}
	return name, nil
}

func runLifecycle(action string) appctx.RunFunc {
	return func(app *appctx.App, cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var (
			st  api.StatusResponse
			err error
		)
		switch action {
		case "stop":
			st, err = app.Client.Stop(ctx)
		case "reload":
			st, err = app.Client.Reload(ctx)
		case "restart":
			st, err = app.Client.Restart(ctx, restartDebug)
		case "kill":
			st, err = app.Client.Kill(ctx)
		}
		if err != nil {
			return err
		}
		return renderStatus(app, st)
	}
}

func runDebug(app *appctx.App, cmd *cobra.Command, args []string) error {
	var (
		st  api.StatusResponse
		err error
	)
	if len(args) == 1 {
		st, err = app.Client.Start(cmd.Context(), args[0], true)
	} else {
		st, err = app.Client.Restart(cmd.Context(), true)
	}
	if err != nil {
		return err
	}
	if st.DebugPort == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no debug port reported; is debug_command configured?")
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "debugger listening on port %d\n", st.DebugPort)
	}
	return renderStatus(app, st)
}

func runStatus(app *appctx.App, cmd *cobra.Command, args []string) error {
	st, err := app.Client.Status(cmd.Context())
	if err != nil {
		return err
	}
	return renderStatus(app, st)
}

func renderStatus(app *appctx.App, st api.StatusResponse) error {
	migration := st.Migration
	if migration == "" {
		migration = "-"
	}
	pid := "-"
	if st.PID > 0 {
		pid = strconv.Itoa(st.PID)
	}
	rows := [][]string{
		{"root", st.Root},
		{"migration", migration},
		{"process", st.Process.String()},
		{"pid", pid},
		{"queued", strconv.Itoa(st.Matches.Queued)},
		{"resolved", strconv.Itoa(st.Matches.Resolved)},
		{"files", strconv.Itoa(st.Matches.Files)},
		{"loading", strconv.FormatBool(st.Loading)},
		{"applying", strconv.FormatBool(st.Applying)},
		{"coverage_files", strconv.Itoa(st.CoverageFiles)},
	}
	if st.DebugPort > 0 {
		rows = append(rows, []string{"debug_port", strconv.Itoa(st.DebugPort)})
	}
	return app.Renderer.Render(st, []string{"KEY", "VALUE"}, rows)
}

func runOutput(app *appctx.App, cmd *cobra.Command, args []string) error {
	out, err := app.Client.Output(cmd.Context())
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), out)
	return err
}

func runMigrations(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		resp api.MigrationsResponse
		err  error
	)
	if migrationsRefresh {
		resp, err = app.Client.Refresh(ctx)
	} else {
		resp, err = app.Client.Migrations(ctx)
	}
	if err != nil {
		return err
	}

	var rows [][]string
	for _, m := range resp.Migrations {
		current := ""
		if m == resp.Current {
			current = "*"
		}
		rows = append(rows, []string{current, m})
	}
	if err := app.Renderer.Render(resp, []string{"", "MIGRATION"}, rows); err != nil {
		return err
	}
	for file, remote := range resp.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s failed to load: %v\n", file, remote)
	}
	return nil
}
