// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, daemon client setup and output rendering
// to reduce boilerplate across commands.
package appctx

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/matchq/internal/api"
	"github.com/lherron/matchq/internal/config"
	"github.com/lherron/matchq/internal/render"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Client talks to matchqd.
	Client *api.Client

	// Renderer writes command output in the selected format.
	Renderer *render.Renderer
}

// Options configures the bootstrap behavior.
type Options struct {
	// Ping checks the daemon is reachable before the command runs.
	Ping bool
}

// DefaultOptions returns options that ping the daemon.
func DefaultOptions() Options {
	return Options{Ping: true}
}

// Offline returns options for commands that work without a daemon.
func Offline() Options {
	return Options{}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	// flags override config
	if v := flagValue(cmd, "addr"); v != "" {
		cfg.Addr = v
		cfg.Unix = ""
	}
	if v := flagValue(cmd, "unix"); v != "" {
		cfg.Unix = v
	}
	if v := flagValue(cmd, "token"); v != "" {
		cfg.Token = v
	}
	if v := flagValue(cmd, "output"); v != "" {
		cfg.Output = v
	}

	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return nil, err
	}
	porcelain := flagValue(cmd, "porcelain") == "true"
	out := cmd.OutOrStdout()
	app.Renderer = render.NewRenderer(out, render.Options{
		Format:    format,
		Porcelain: porcelain,
		Styled:    !porcelain && render.IsTerminal(out),
	})

	app.Client = api.New(cfg.ServerURL(), cfg.Unix, cfg.Token)
	if opts.Ping {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := app.Client.Health(ctx); err != nil {
			return nil, fmt.Errorf("matchqd is not reachable at %s: %w", endpoint(cfg), err)
		}
	}
	return app, nil
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil && f.Changed {
		return f.Value.String()
	}
	return ""
}

func endpoint(cfg *config.Config) string {
	if cfg.Unix != "" {
		return "unix:" + cfg.Unix
	}
	return cfg.Addr
}
