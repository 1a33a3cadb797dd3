// Package content serves the merged view of a match: the baseline the
// migration saw, what is on disk now, and the proposed edit, reconciled on
// every read.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/merge"
	"github.com/lherron/matchq/internal/notify"
)

// FileSystem reads and writes files by identity.
type FileSystem interface {
	ReadFile(ctx context.Context, id matches.FileID) ([]byte, error)
	WriteFile(ctx context.Context, id matches.FileID, data []byte) error
}

// OSFileSystem is the FileSystem backed by the local disk.
type OSFileSystem struct{}

func (OSFileSystem) ReadFile(_ context.Context, id matches.FileID) ([]byte, error) {
	path, err := id.Path()
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (OSFileSystem) WriteFile(_ context.Context, id matches.FileID, data []byte) error {
	path, err := id.Path()
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, data, mode)
}

// Changed lists addresses whose merged content may differ from what a
// reader last saw.
type Changed struct {
	Addresses []matches.Address `json:"addresses"`
}

// Resolver computes match content and holds pending user edits of
// proposals.
type Resolver struct {
	reg    *matches.Registry
	fs     FileSystem
	merger merge.Merger
	logger *slog.Logger

	mu      sync.Mutex
	pending map[matches.Address]string

	changes notify.Hub[Changed]
	sub     notify.Disposable
}

// NewResolver returns a resolver over reg. Call Close to detach it from the
// registry.
func NewResolver(reg *matches.Registry, fs FileSystem, merger merge.Merger, logger *slog.Logger) *Resolver {
	if fs == nil {
		fs = OSFileSystem{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		reg:     reg,
		fs:      fs,
		merger:  merger,
		logger:  logger.With("component", "content"),
		pending: make(map[matches.Address]string),
	}
	r.sub = reg.Subscribe(r.onRegistryChange)
	return r
}

// Close stops tracking registry changes.
func (r *Resolver) Close() {
	r.sub.Dispose()
}

// Subscribe registers fn for content change notifications.
func (r *Resolver) Subscribe(fn func(Changed)) notify.Disposable {
	return r.changes.Subscribe(fn)
}

// Read returns the proposal merged onto the current disk content. A stale
// address or a merge failure yields the disk content unchanged; the only
// error is failing to read the disk.
func (r *Resolver) Read(ctx context.Context, addr matches.Address) ([]byte, error) {
	current, err := r.fs.ReadFile(ctx, addr.File)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", addr.File, err)
	}
	entry, err := r.reg.Lookup(addr)
	if err != nil {
		return current, nil
	}
	merged, err := r.merger.ThreeWay(entry.Original, string(current), r.proposal(entry))
	if err != nil {
		r.logger.Debug("merge failed, serving disk content", "address", addr.String(), "error", err)
		return current, nil
	}
	return []byte(merged), nil
}

// Write stores content as the pending proposal for addr. Later reads and
// applies use it instead of the migration's proposal.
func (r *Resolver) Write(addr matches.Address, content []byte) error {
	entry, err := r.reg.Lookup(addr)
	if err != nil {
		return err
	}
	if entry.State == matches.Resolved {
		return fmt.Errorf("%w: %s is already resolved", matches.ErrNotFound, addr)
	}
	r.mu.Lock()
	r.pending[addr] = string(content)
	r.mu.Unlock()
	r.changes.Publish(Changed{Addresses: []matches.Address{addr}})
	return nil
}

// Pending returns the pending edit for addr, if any.
func (r *Resolver) Pending(addr matches.Address) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.pending[addr]
	return s, ok
}

// MergeResult merges every proposal in addrs onto the current content of
// their file. All addresses must name the same file.
func (r *Resolver) MergeResult(ctx context.Context, addrs ...matches.Address) (string, error) {
	if len(addrs) == 0 {
		return "", errors.New("no matches to merge")
	}
	file := addrs[0].File
	var original string
	proposals := make([]string, 0, len(addrs))
	for i, addr := range addrs {
		if addr.File != file {
			return "", fmt.Errorf("match %s is not in %s", addr, file)
		}
		entry, err := r.reg.Lookup(addr)
		if err != nil {
			return "", err
		}
		if i == 0 {
			original = entry.Original
		}
		proposals = append(proposals, r.proposal(entry))
	}
	current, err := r.fs.ReadFile(ctx, file)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", file, err)
	}
	return r.merger.NWay(original, string(current), proposals...)
}

// CurrentContent returns what is on disk for addr's file.
func (r *Resolver) CurrentContent(ctx context.Context, addr matches.Address) ([]byte, error) {
	return r.fs.ReadFile(ctx, addr.File)
}

// Baseline returns the content the migration computed addr against.
func (r *Resolver) Baseline(addr matches.Address) (string, error) {
	entry, err := r.reg.Lookup(addr)
	if err != nil {
		return "", err
	}
	return entry.Original, nil
}

// Notify announces that the merged content of addrs may have changed.
func (r *Resolver) Notify(addrs ...matches.Address) {
	if len(addrs) == 0 {
		return
	}
	r.changes.Publish(Changed{Addresses: addrs})
}

func (r *Resolver) proposal(entry matches.Entry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.pending[entry.Address]; ok {
		return s
	}
	return entry.Match.ModifiedContent
}

func (r *Resolver) onRegistryChange(matches.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr := range r.pending {
		entry, err := r.reg.Lookup(addr)
		if err != nil || entry.State == matches.Resolved {
			delete(r.pending, addr)
		}
	}
}
