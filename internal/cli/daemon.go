package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lherron/matchq/internal/apply"
	"github.com/lherron/matchq/internal/config"
	"github.com/lherron/matchq/internal/content"
	"github.com/lherron/matchq/internal/coverage"
	"github.com/lherron/matchq/internal/db"
	"github.com/lherron/matchq/internal/execlock"
	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/merge"
	"github.com/lherron/matchq/internal/metrics"
	"github.com/lherron/matchq/internal/notify"
	"github.com/lherron/matchq/internal/session"
	"github.com/lherron/matchq/internal/store"
	"github.com/lherron/matchq/internal/supervisor"
	"github.com/lherron/matchq/internal/vcs"
	"github.com/lherron/matchq/internal/webhooks"
)

// DaemonOptions configures the matchqd daemon.
type DaemonOptions struct {
	Addr    string
	Unix    string
	Token   string
	DBPath  string
	Root    string
	Migrate bool
}

// ServeDaemon starts the matchqd daemon and blocks until ctx is done.
func ServeDaemon(ctx context.Context, opts DaemonOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Root != "" {
		cfg.Root = opts.Root
	}
	if opts.DBPath != "" {
		cfg.DBPath = opts.DBPath
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Unix != "" {
		cfg.Unix = opts.Unix
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	logger := NewLogger(cfg.LogLevel, os.Stderr)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if opts.Migrate {
		applied, err := database.MigrateWithInfo()
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		for _, m := range applied {
			logger.Info("applied schema migration", "version", m)
		}
	} else if err := database.RequiresMigrationError(); err != nil {
		return err
	}
	fixed, err := db.FixSequenceDrifts(database, db.DefaultSequenceSpecs())
	if err != nil {
		return fmt.Errorf("failed to check id sequences: %w", err)
	}
	for _, d := range fixed {
		logger.Warn("repaired id sequence", "sequence", d.SeqTable, "from", d.SeqValue, "to", d.MaxID)
	}

	var server *daemonServer
	sup := supervisor.New(supervisor.Options{
		Command:      cfg.ScriptCommand,
		Dir:          cfg.Root,
		DebugCommand: cfg.DebugCommand,
		Logger:       logger,
		OnCrash: func(report supervisor.CrashReport) {
			server.session.HandleCrash(report)
		},
	})
	server, err = newDaemonServer(daemonDeps{
		Config:  cfg,
		Store:   store.New(database),
		Process: sup,
		Events:  sup,
		Output:  sup.Output,
		VCS:     vcs.NewGit(cfg.Root),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := content.NewWatcher(server.resolver, content.DefaultDebounce)
	if err != nil {
		return err
	}
	server.watcher = watcher
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("file watcher stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	server.registerRoutes(mux)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var listener net.Listener
	if cfg.Unix != "" {
		_ = os.Remove(cfg.Unix)
		listener, err = net.Listen("unix", cfg.Unix)
	} else {
		listener, err = net.Listen("tcp", cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("matchqd listening", "addr", listener.Addr().String(), "root", cfg.Root)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	server.hub.closeAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := sup.Kill(shutdownCtx); err != nil {
		logger.Warn("stopping migration script", "error", err)
	}
	return nil
}

// NewLogger returns a text logger at the named level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// processEvents is the part of the supervisor the event stream listens to.
type processEvents interface {
	Subscribe(fn func(supervisor.Event)) notify.Disposable
	PID() int
	DebugPort() int
}

type daemonDeps struct {
	Config  *config.Config
	Store   *store.Store
	Process session.Process
	// Events may be nil when the process publishes no lifecycle events.
	Events processEvents
	Output func() string
	VCS    vcs.VersionControl
	FS     content.FileSystem
	Logger *slog.Logger
}

type daemonServer struct {
	cfg    *config.Config
	token  string
	logger *slog.Logger

	store    *store.Store
	metrics  *metrics.Metrics
	registry *matches.Registry
	resolver *content.Resolver
	watcher  *content.Watcher
	session  *session.Session
	apply    *apply.Orchestrator
	coverage *coverage.Table
	filter   *coverage.Filter
	hooks    *webhooks.Dispatcher
	process  processEvents
	output   func() string

	hub      *eventHub
	upgrader websocket.Upgrader
	subs     notify.Group
}

func newDaemonServer(deps daemonDeps) (*daemonServer, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := merge.ParsePolicy(cfg.Conflicts)
	if err != nil {
		return nil, err
	}
	fs := deps.FS
	if fs == nil {
		fs = content.OSFileSystem{}
	}

	m := metrics.New()
	reg := matches.NewRegistry()
	res := content.NewResolver(reg, fs, merge.Merger{Policy: policy}, logger)
	sess := session.New(session.Options{
		Process:       deps.Process,
		Registry:      reg,
		MigrationsDir: cfg.MigrationsDir,
		Metrics:       m,
		Logger:        logger,
	})
	table := coverage.NewTable()

	s := &daemonServer{
		cfg:      cfg,
		token:    cfg.Token,
		logger:   logger.With("component", "daemon"),
		store:    deps.Store,
		metrics:  m,
		registry: reg,
		resolver: res,
		session:  sess,
		coverage: table,
		filter:   coverage.NewFilter(reg, res, table),
		hooks:    webhooks.New(cfg.Webhooks, logger),
		process:  deps.Events,
		output:   deps.Output,
		hub:      newEventHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.apply = apply.New(apply.Options{
		Lock:      execlock.New(),
		Registry:  reg,
		Resolver:  res,
		FS:        fs,
		VCS:       deps.VCS,
		Migration: sess.Target(),
		Root:      cfg.Root,
		StageAll:  cfg.StageAll,
		Metrics:   m,
		Logger:    logger,
	})
	s.subscribe()
	return s, nil
}

// Close detaches every subscription.
func (s *daemonServer) Close() {
	s.subs.Dispose()
	s.session.Close()
	s.resolver.Close()
}

func (s *daemonServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("GET /v1/status", s.withAuth(s.handleStatus))

	mux.HandleFunc("GET /v1/migrations", s.withAuth(s.handleMigrations))
	mux.HandleFunc("POST /v1/migrations/refresh", s.withAuth(s.handleRefresh))
	mux.HandleFunc("POST /v1/start", s.withAuth(s.handleStart))
	mux.HandleFunc("POST /v1/stop", s.withAuth(s.handleStop))
	mux.HandleFunc("POST /v1/reload", s.withAuth(s.handleReload))
	mux.HandleFunc("POST /v1/restart", s.withAuth(s.handleRestart))
	mux.HandleFunc("POST /v1/kill", s.withAuth(s.handleKill))
	mux.HandleFunc("GET /v1/output", s.withAuth(s.handleOutput))

	mux.HandleFunc("GET /v1/matches", s.withAuth(s.handleMatches))
	mux.HandleFunc("GET /v1/matches/next", s.withAuth(s.handleNext))
	mux.HandleFunc("GET /v1/content", s.withAuth(s.handleContent))
	mux.HandleFunc("POST /v1/content", s.withAuth(s.handleWriteContent))
	mux.HandleFunc("GET /v1/diff", s.withAuth(s.handleDiff))

	mux.HandleFunc("POST /v1/apply", s.withAuth(s.handleApply))
	mux.HandleFunc("POST /v1/coverage/set", s.withAuth(s.handleCoverageSet))
	mux.HandleFunc("GET /v1/coverage/matches", s.withAuth(s.handleCoverageMatches))

	mux.HandleFunc("GET /v1/runs", s.withAuth(s.handleRuns))
	mux.HandleFunc("GET /v1/runs/{id}", s.withAuth(s.handleRun))
	mux.HandleFunc("GET /v1/events/log", s.withAuth(s.handleEventLog))
	mux.HandleFunc("GET /v1/events", s.withAuth(s.handleEvents))

	mux.Handle("GET /metrics", s.withAuth(s.metrics.Handler().ServeHTTP))
}

func (s *daemonServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.Header.Get("X-Matchqd-Token")
			}
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != s.token {
				s.writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
				return
			}
		}
		next(w, r)
	}
}
