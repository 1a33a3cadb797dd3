// Package session ties the script process, the match registry and the
// apply flow into one running migration session and announces its
// lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/metrics"
	"github.com/lherron/matchq/internal/migration"
	"github.com/lherron/matchq/internal/notify"
	"github.com/lherron/matchq/internal/supervisor"
	"github.com/lherron/matchq/pkg/protocol"
)

// ErrNoMigration is returned when an operation needs a started migration.
var ErrNoMigration = errors.New("no migration is running")

// SignalType names a lifecycle transition.
type SignalType string

const (
	MigrationStarted SignalType = "migration.started"
	MigrationStopped SignalType = "migration.stopped"
	ProcessCrashed   SignalType = "process.crashed"
	ProcessRestarted SignalType = "process.restarted"
	MatchesResolved  SignalType = "matches.all_resolved"
)

const maxReadFileWorkers = 8

// Signal is one lifecycle transition.
type Signal struct {
	Type      SignalType     `json:"type"`
	Migration string         `json:"migration,omitempty"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Process is the supervised script process.
type Process interface {
	Spawn(ctx context.Context, opts supervisor.SpawnOptions) error
	Restart(ctx context.Context, opts supervisor.SpawnOptions) error
	Kill(ctx context.Context) error
	State() supervisor.State
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Options configures a Session.
type Options struct {
	Process  Process
	Registry *matches.Registry
	// MigrationsDir is passed to the script on every spawn so it can load
	// declarative migrations. Empty skips the refresh.
	MigrationsDir string
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Status is a snapshot of the session.
type Status struct {
	Migration string           `json:"migration,omitempty"`
	Process   supervisor.State `json:"process"`
	Matches   matches.Stats    `json:"matches"`
	Loading   bool             `json:"loading"`
}

// Session is the single running migration of a daemon.
type Session struct {
	opts   Options
	remote *migration.Remote
	reg    *matches.Registry
	logger *slog.Logger

	signals notify.Hub[Signal]
	regSub  notify.Disposable

	mu          sync.Mutex
	name        string
	ready       chan struct{}
	allResolved bool
}

// New returns an idle session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ready := make(chan struct{})
	close(ready)
	s := &Session{
		opts:   opts,
		remote: migration.NewRemote(opts.Process, opts.Metrics, logger),
		reg:    opts.Registry,
		logger: logger.With("component", "session"),
		ready:  ready,
	}
	s.regSub = opts.Registry.Subscribe(s.onRegistryChange)
	return s
}

// Close detaches the session from the registry.
func (s *Session) Close() {
	s.regSub.Dispose()
}

// Subscribe registers fn for lifecycle signals.
func (s *Session) Subscribe(fn func(Signal)) notify.Disposable {
	return s.signals.Subscribe(fn)
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	name := s.name
	loading := false
	select {
	case <-s.ready:
	default:
		loading = true
	}
	s.mu.Unlock()
	return Status{
		Migration: name,
		Process:   s.opts.Process.State(),
		Matches:   s.reg.Stats(),
		Loading:   loading,
	}
}

// Ready returns a channel closed once the matches of the latest start or
// reload are in the registry.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Names lists the migrations the script offers, spawning it if needed.
func (s *Session) Names(ctx context.Context) ([]string, error) {
	if err := s.ensureProcess(ctx, false); err != nil {
		return nil, err
	}
	return s.remote.Names(ctx)
}

// Refresh makes the script reload the migrations directory and returns
// per-file load failures.
func (s *Session) Refresh(ctx context.Context) (map[string]*protocol.RemoteError, error) {
	if err := s.ensureProcess(ctx, false); err != nil {
		return nil, err
	}
	return s.remote.Refresh(ctx, s.opts.MigrationsDir)
}

// Start starts the named migration and loads its matches. debug respawns
// the script under the debugger.
func (s *Session) Start(ctx context.Context, name string, debug bool) error {
	if debug {
		if err := s.spawn(ctx, true); err != nil {
			return err
		}
	} else if err := s.ensureProcess(ctx, false); err != nil {
		return err
	}

	if err := s.remote.Start(ctx, name); err != nil {
		return fmt.Errorf("starting migration %q: %w", name, err)
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	s.logger.Info("migration started", "migration", name)
	s.emit(MigrationStarted, name, nil)

	return s.Reload(ctx)
}

// Reload fetches the matched files of the current migration and rebuilds
// the registry from them.
func (s *Session) Reload(ctx context.Context) error {
	name := s.Name()
	if name == "" {
		return ErrNoMigration
	}
	done := s.beginLoading()
	defer done()

	files, err := s.remote.MatchedFiles(ctx)
	if err != nil {
		return fmt.Errorf("loading matches of %q: %w", name, err)
	}
	entries, err := readOriginals(ctx, files)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.allResolved = false
	s.mu.Unlock()
	s.reg.ReplaceAll(entries)

	st := s.reg.Stats()
	s.opts.Metrics.SetMatches(st.Queued, st.Resolved)
	s.logger.Info("matches loaded", "migration", name, "files", st.Files, "matches", st.Queued)
	return nil
}

// Stop stops the current migration and drops its matches.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	name := s.name
	s.name = ""
	s.mu.Unlock()

	s.reg.Clear()
	s.opts.Metrics.SetMatches(0, 0)
	if name == "" {
		return nil
	}
	if s.opts.Process.State() == supervisor.Running {
		if err := s.remote.Stop(ctx); err != nil {
			return fmt.Errorf("stopping migration %q: %w", name, err)
		}
	}
	s.logger.Info("migration stopped", "migration", name)
	s.emit(MigrationStopped, name, nil)
	return nil
}

// Restart replaces the script process. The migration and its matches are
// dropped; start it again to reload.
func (s *Session) Restart(ctx context.Context, debug bool) error {
	s.mu.Lock()
	name := s.name
	s.name = ""
	s.mu.Unlock()
	s.reg.Clear()
	s.opts.Metrics.SetMatches(0, 0)

	if err := s.opts.Process.Restart(ctx, supervisor.SpawnOptions{Debug: debug}); err != nil {
		return fmt.Errorf("restarting migration script: %w", err)
	}
	if err := s.refresh(ctx); err != nil {
		return err
	}
	if name != "" {
		s.emit(MigrationStopped, name, nil)
	}
	s.emit(ProcessRestarted, "", map[string]any{"debug": debug})
	return nil
}

// Kill stops the script process without restarting it.
func (s *Session) Kill(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrProcessDied) && !errors.Is(err, supervisor.ErrNotRunning) {
		s.logger.Warn("stopping migration before kill", "error", err)
	}
	return s.opts.Process.Kill(ctx)
}

// HandleCrash records an unexpected script exit. The supervisor calls it
// on its own goroutine.
func (s *Session) HandleCrash(report supervisor.CrashReport) {
	s.opts.Metrics.Crash()
	s.logger.Error("migration script crashed", "pid", report.PID, "exit_code", report.ExitCode, "signal", report.Signal)
	s.emit(ProcessCrashed, s.Name(), map[string]any{
		"pid":       report.PID,
		"exit_code": report.ExitCode,
		"signal":    report.Signal,
		"output":    report.Output,
	})
}

// Name returns the current migration, or "".
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Target is the session as the apply flow sees it.
type Target struct{ s *Session }

// Target returns the apply view of the session.
func (s *Session) Target() Target { return Target{s: s} }

// Name fails with ErrNoMigration when nothing is started.
func (t Target) Name(context.Context) (string, error) {
	if name := t.s.Name(); name != "" {
		return name, nil
	}
	return "", ErrNoMigration
}

func (t Target) CommitMessage(ctx context.Context, info protocol.CommitInfo) (string, error) {
	return t.s.remote.CommitMessage(ctx, info)
}

func (t Target) Verify(ctx context.Context) error {
	return t.s.remote.Verify(ctx)
}

func (t Target) Stop(ctx context.Context) error {
	return t.s.Stop(ctx)
}

func (s *Session) ensureProcess(ctx context.Context, debug bool) error {
	if s.opts.Process.State() == supervisor.Running {
		return nil
	}
	return s.spawn(ctx, debug)
}

func (s *Session) spawn(ctx context.Context, debug bool) error {
	if err := s.opts.Process.Spawn(ctx, supervisor.SpawnOptions{Debug: debug}); err != nil {
		return fmt.Errorf("spawning migration script: %w", err)
	}
	return s.refresh(ctx)
}

func (s *Session) refresh(ctx context.Context) error {
	if s.opts.MigrationsDir == "" {
		return nil
	}
	failures, err := s.remote.Refresh(ctx, s.opts.MigrationsDir)
	if err != nil {
		return fmt.Errorf("loading migrations from %s: %w", s.opts.MigrationsDir, err)
	}
	for file, ferr := range failures {
		s.logger.Warn("migration failed to load", "file", file, "error", ferr)
	}
	return nil
}

func (s *Session) beginLoading() func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.ready = ch
	s.mu.Unlock()
	return func() { close(ch) }
}

func (s *Session) onRegistryChange(matches.Change) {
	if s.Name() == "" {
		return
	}
	all := s.reg.AllResolved() && s.reg.Stats().Resolved > 0
	s.mu.Lock()
	fire := all && !s.allResolved
	s.allResolved = all
	name := s.name
	s.mu.Unlock()
	if fire {
		s.emit(MatchesResolved, name, nil)
	}
}

func (s *Session) emit(t SignalType, name string, detail map[string]any) {
	s.signals.Publish(Signal{Type: t, Migration: name, At: time.Now().UTC(), Detail: detail})
}

// readOriginals snapshots the current content of every matched file.
func readOriginals(ctx context.Context, files []protocol.MatchedFile) ([]matches.File, error) {
	out := make([]matches.File, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxReadFileWorkers)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := f.Path
			if !filepath.IsAbs(path) {
				return fmt.Errorf("matched file path %q is not absolute", path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading matched file: %w", err)
			}
			out[i] = matches.File{
				ID:       matches.FileIDFromPath(path),
				Original: string(data),
				Matches:  f.Matches,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
