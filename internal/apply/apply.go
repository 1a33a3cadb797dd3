// Package apply writes accepted matches to disk, commits them and marks
// them resolved. Only one apply runs at a time.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lherron/matchq/internal/content"
	"github.com/lherron/matchq/internal/execlock"
	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/metrics"
	"github.com/lherron/matchq/internal/paths"
	"github.com/lherron/matchq/internal/vcs"
	"github.com/lherron/matchq/pkg/protocol"
)

// ErrNothingToApply is returned when an apply request names no matches.
var ErrNothingToApply = errors.New("no matches to apply")

// Phase is a step of an apply run.
type Phase string

const (
	PhaseRequested  Phase = "requested"
	PhaseLocked     Phase = "locked"
	PhaseSaving     Phase = "saving"
	PhaseClosing    Phase = "closing"
	PhaseWriting    Phase = "writing"
	PhaseVerifying  Phase = "verifying"
	PhaseCommitting Phase = "committing"
	PhaseResolving  Phase = "resolving"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// ProgressFunc receives each phase as the run enters it.
type ProgressFunc func(Phase)

// Migration is the running migration as seen by an apply.
type Migration interface {
	Name(ctx context.Context) (string, error)
	CommitMessage(ctx context.Context, info protocol.CommitInfo) (string, error)
	Verify(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Editor is the user's editing surface. Implementations flush unsaved
// buffers and close preview views of matches about to be applied.
type Editor interface {
	SaveAll(ctx context.Context) error
	ClosePreviews(ctx context.Context, addrs []matches.Address) error
}

// Lister produces the matches for ApplyWellCovered.
type Lister interface {
	Matches(ctx context.Context) ([]matches.Address, error)
}

// Result describes a finished apply.
type Result struct {
	Migration string            `json:"migration"`
	Matches   []matches.Address `json:"matches"`
	// Applied records Matches as they were before being resolved.
	Applied       []AppliedMatch `json:"applied"`
	Files         []string       `json:"files"`
	CommitMessage string         `json:"commit_message,omitempty"`
	Committed     bool           `json:"committed"`
	VerifyError   string         `json:"verify_error,omitempty"`
	AllResolved   bool           `json:"all_resolved"`
}

// AppliedMatch is one applied match, with its file relative to the root.
type AppliedMatch struct {
	Address string `json:"address"`
	File    string `json:"file"`
	Label   string `json:"label"`
}

// Options wires an Orchestrator.
type Options struct {
	Lock      *execlock.Lock
	Registry  *matches.Registry
	Resolver  *content.Resolver
	FS        content.FileSystem
	VCS       vcs.VersionControl
	Migration Migration
	// Editor may be nil.
	Editor Editor
	// Root is the working tree, used for relative paths in messages.
	Root string
	// StageAll stages every working tree change instead of only the files
	// the apply wrote.
	StageAll bool
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Orchestrator runs applies.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// New returns an orchestrator. Lock, Registry, Resolver, VCS and Migration
// are required.
func New(opts Options) *Orchestrator {
	if opts.Lock == nil {
		opts.Lock = execlock.New()
	}
	if opts.FS == nil {
		opts.FS = content.OSFileSystem{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{opts: opts, logger: logger.With("component", "apply")}
}

// Running reports whether an apply holds the lock.
func (o *Orchestrator) Running() bool {
	return o.opts.Lock.Held()
}

// Apply applies addrs. A second apply while one is running fails with
// execlock.ErrAlreadyRunning. A stale or resolved address fails the whole
// request before anything is written.
func (o *Orchestrator) Apply(ctx context.Context, addrs []matches.Address, progress ProgressFunc) (Result, error) {
	return o.run(ctx, progress, func(context.Context) ([]matches.Address, error) {
		return addrs, nil
	})
}

// ApplyWellCovered applies every match lister selects at the time the lock
// is taken.
func (o *Orchestrator) ApplyWellCovered(ctx context.Context, lister Lister, progress ProgressFunc) (Result, error) {
	return o.run(ctx, progress, lister.Matches)
}

func (o *Orchestrator) run(ctx context.Context, progress ProgressFunc, selectMatches func(context.Context) ([]matches.Address, error)) (Result, error) {
	report := func(p Phase) {
		if progress != nil {
			progress(p)
		}
	}
	start := time.Now()
	report(PhaseRequested)

	res, err := execlock.Do(ctx, o.opts.Lock, func(ctx context.Context) (Result, error) {
		report(PhaseLocked)
		addrs, err := selectMatches(ctx)
		if err != nil {
			return Result{}, err
		}
		return o.apply(ctx, addrs, report)
	})

	switch {
	case errors.Is(err, execlock.ErrAlreadyRunning):
		o.opts.Metrics.ObserveApply("rejected", time.Since(start))
		report(PhaseFailed)
	case err != nil:
		o.opts.Metrics.ObserveApply("failed", time.Since(start))
		o.logger.Error("apply failed", "error", err)
		report(PhaseFailed)
	default:
		o.opts.Metrics.ObserveApply("done", time.Since(start))
		report(PhaseDone)
	}
	return res, err
}

type fileBatch struct {
	file    matches.FileID
	addrs   []matches.Address
	entries []matches.Entry
	merged  string
}

func (o *Orchestrator) apply(ctx context.Context, addrs []matches.Address, report ProgressFunc) (Result, error) {
	batches, err := o.group(addrs)
	if err != nil {
		return Result{}, err
	}
	if len(batches) == 0 {
		return Result{}, ErrNothingToApply
	}

	name, err := o.opts.Migration.Name(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("getting migration name: %w", err)
	}
	result := Result{Migration: name}
	for _, b := range batches {
		result.Matches = append(result.Matches, b.addrs...)
		path, _ := b.file.Path()
		for i, addr := range b.addrs {
			result.Applied = append(result.Applied, AppliedMatch{
				Address: addr.String(),
				File:    paths.Rel(o.opts.Root, path),
				Label:   b.entries[i].Match.Label,
			})
		}
	}

	report(PhaseSaving)
	if o.opts.Editor != nil {
		if err := o.opts.Editor.SaveAll(ctx); err != nil {
			return result, fmt.Errorf("saving editor state: %w", err)
		}
	}
	report(PhaseClosing)
	if o.opts.Editor != nil {
		if err := o.opts.Editor.ClosePreviews(ctx, result.Matches); err != nil {
			return result, fmt.Errorf("closing match previews: %w", err)
		}
	}

	report(PhaseWriting)
	for _, b := range batches {
		merged, err := o.opts.Resolver.MergeResult(ctx, b.addrs...)
		if err != nil {
			return result, fmt.Errorf("merging %s: %w", b.file, err)
		}
		b.merged = merged
	}
	var files []string
	for _, b := range batches {
		if err := o.opts.FS.WriteFile(ctx, b.file, []byte(b.merged)); err != nil {
			return result, fmt.Errorf("writing %s: %w", b.file, err)
		}
		path, err := b.file.Path()
		if err != nil {
			return result, err
		}
		files = append(files, path)
		result.Files = append(result.Files, paths.Rel(o.opts.Root, path))
		o.logger.Info("applied matches", "file", paths.Rel(o.opts.Root, path), "matches", len(b.addrs))
	}

	report(PhaseVerifying)
	if err := o.opts.Migration.Verify(ctx); err != nil {
		result.VerifyError = err.Error()
		o.logger.Warn("verification failed", "migration", name, "error", err)
	}

	report(PhaseCommitting)
	result.CommitMessage = o.commitMessage(ctx, name, batches)
	if o.opts.StageAll {
		err = o.opts.VCS.StageAll(ctx)
	} else {
		err = o.opts.VCS.Stage(ctx, files)
	}
	if err != nil {
		return result, fmt.Errorf("staging: %w", err)
	}
	switch err := o.opts.VCS.Commit(ctx, result.CommitMessage); {
	case errors.Is(err, vcs.ErrNothingToCommit):
		o.logger.Info("nothing to commit", "migration", name)
	case err != nil:
		return result, fmt.Errorf("committing: %w", err)
	default:
		result.Committed = true
	}

	report(PhaseResolving)
	if err := o.opts.Registry.ResolveMany(result.Matches); err != nil {
		return result, fmt.Errorf("resolving applied matches: %w", err)
	}
	stats := o.opts.Registry.Stats()
	o.opts.Metrics.SetMatches(stats.Queued, stats.Resolved)

	if o.opts.Registry.AllResolved() {
		result.AllResolved = true
		if err := o.opts.Migration.Stop(ctx); err != nil {
			return result, fmt.Errorf("stopping finished migration: %w", err)
		}
	}
	return result, nil
}

// group validates addrs and orders them by file in registry order.
// Duplicates collapse.
func (o *Orchestrator) group(addrs []matches.Address) ([]*fileBatch, error) {
	byFile := make(map[matches.FileID]*fileBatch)
	var order []matches.FileID
	seen := make(map[matches.Address]bool)
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		entry, err := o.opts.Registry.Lookup(addr)
		if err != nil {
			return nil, err
		}
		if entry.State == matches.Resolved {
			return nil, fmt.Errorf("%w: %s is already applied", matches.ErrNotFound, addr)
		}
		b, ok := byFile[addr.File]
		if !ok {
			b = &fileBatch{file: addr.File}
			byFile[addr.File] = b
			order = append(order, addr.File)
		}
		b.addrs = append(b.addrs, addr)
		b.entries = append(b.entries, entry)
	}

	rank := make(map[matches.FileID]int)
	for i, id := range o.opts.Registry.QueuedFiles() {
		rank[id] = i
	}
	batches := make([]*fileBatch, 0, len(order))
	for _, id := range order {
		batches = append(batches, byFile[id])
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return rank[batches[i].file] < rank[batches[j].file]
	})
	return batches, nil
}

func (o *Orchestrator) commitMessage(ctx context.Context, name string, batches []*fileBatch) string {
	if len(batches) == 1 && len(batches[0].addrs) == 1 {
		b := batches[0]
		path, _ := b.file.Path()
		label := b.entries[0].Match.Label
		msg, err := o.opts.Migration.CommitMessage(ctx, protocol.CommitInfo{FilePath: path, MatchLabel: label})
		if err != nil {
			o.logger.Warn("migration commit message failed, using default", "error", err)
		}
		if err == nil && msg != "" {
			return msg
		}
		return DefaultCommitMessage(name, paths.Rel(o.opts.Root, path), label)
	}
	n := 0
	for _, b := range batches {
		n += len(b.addrs)
	}
	return BatchCommitMessage(name, n)
}

// DefaultCommitMessage is used for a single match when the migration has
// no message of its own.
func DefaultCommitMessage(migration, relPath, label string) string {
	return fmt.Sprintf("(Auto) Migration '%s' for '%s' labeled '%s'", migration, relPath, label)
}

// BatchCommitMessage is used when more than one match is applied at once.
func BatchCommitMessage(migration string, n int) string {
	return fmt.Sprintf("Batch application of %d matches for migration '%s'", n, migration)
}
