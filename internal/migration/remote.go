// Package migration is the typed view of the migration script running
// behind the supervisor.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lherron/matchq/internal/metrics"
	"github.com/lherron/matchq/internal/rpc"
	"github.com/lherron/matchq/pkg/protocol"
)

// Remote issues typed calls to a migration script. Remote errors are
// logged with their stack and returned unchanged.
type Remote struct {
	caller  rpc.Caller
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRemote wraps caller. m may be nil.
func NewRemote(caller rpc.Caller, m *metrics.Metrics, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{caller: caller, metrics: m, logger: logger.WithGroup("script")}
}

// Start makes name the script's current migration.
func (r *Remote) Start(ctx context.Context, name string) error {
	_, err := call[json.RawMessage](ctx, r, protocol.MethodStartMigration, name)
	return err
}

// Stop clears the script's current migration.
func (r *Remote) Stop(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, r, protocol.MethodStopMigration)
	return err
}

// Name returns the current migration, or "" if none is started.
func (r *Remote) Name(ctx context.Context) (string, error) {
	name, err := call[*string](ctx, r, protocol.MethodGetMigrationName)
	if err != nil || name == nil {
		return "", err
	}
	return *name, nil
}

// MatchedFiles returns every file the current migration wants to change.
func (r *Remote) MatchedFiles(ctx context.Context) ([]protocol.MatchedFile, error) {
	return call[[]protocol.MatchedFile](ctx, r, protocol.MethodGetMatchedFiles)
}

// CommitMessage asks the migration for a commit message. An empty string
// means the migration has no preference.
func (r *Remote) CommitMessage(ctx context.Context, info protocol.CommitInfo) (string, error) {
	msg, err := call[*string](ctx, r, protocol.MethodGetCommitMessage, info)
	if err != nil || msg == nil {
		return "", err
	}
	return *msg, nil
}

// Names lists the migrations the script knows about.
func (r *Remote) Names(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, r, protocol.MethodGetMigrationNames)
}

// Refresh reloads migrations from dir and returns load failures keyed by
// file.
func (r *Remote) Refresh(ctx context.Context, dir string) (map[string]*protocol.RemoteError, error) {
	return call[map[string]*protocol.RemoteError](ctx, r, protocol.MethodRefreshMigrations, dir)
}

// Verify runs the migration's verification step.
func (r *Remote) Verify(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, r, protocol.MethodVerify)
	return err
}

func call[T any](ctx context.Context, r *Remote, method string, args ...any) (T, error) {
	start := time.Now()
	v, err := rpc.CallInto[T](ctx, r.caller, method, args...)
	r.metrics.ObserveRPC(method, time.Since(start), err)
	if err != nil {
		var remote *protocol.RemoteError
		if errors.As(err, &remote) {
			r.logger.Error("migration script call failed", "method", method, "name", remote.Name, "message", remote.Message, "stack", remote.Stack)
		} else {
			r.logger.Warn("migration script call failed", "method", method, "error", err)
		}
	}
	return v, err
}
