// Package coverage decides which matches only touch code that tests
// exercise.
package coverage

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/lherron/matchq/internal/content"
	"github.com/lherron/matchq/internal/matches"
	"github.com/lherron/matchq/internal/merge"
	"github.com/lherron/matchq/internal/notify"
)

// Provider answers whether a line range of a file is covered by tests.
// Lines are 1-based and inclusive.
type Provider interface {
	IsWellCovered(file matches.FileID, start, end int) bool
}

// LineHits is the hit count of one instrumented line.
type LineHits struct {
	Line int `json:"line" validate:"gt=0"`
	Hits int `json:"hits" validate:"gte=0"`
}

// FileCoverage is the coverage of one file. File is absolute or relative
// to the project root.
type FileCoverage struct {
	File  string     `json:"file" validate:"required"`
	Lines []LineHits `json:"lines" validate:"dive"`
}

// Table is an in-memory Provider replaced wholesale by Set.
type Table struct {
	mu    sync.RWMutex
	files map[matches.FileID][]LineHits

	changes notify.Hub[[]matches.FileID]
}

// NewTable returns an empty table. Nothing is covered until Set.
func NewTable() *Table {
	return &Table{files: make(map[matches.FileID][]LineHits)}
}

// Subscribe registers fn for the list of files whose coverage changed. A
// nil list means everything changed.
func (t *Table) Subscribe(fn func([]matches.FileID)) notify.Disposable {
	return t.changes.Subscribe(fn)
}

// Set replaces the table with report and returns the files whose coverage
// differs from before.
func (t *Table) Set(root string, report []FileCoverage) []matches.FileID {
	next := make(map[matches.FileID][]LineHits, len(report))
	for _, fc := range report {
		path := filepath.FromSlash(fc.File)
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		lines := append([]LineHits(nil), fc.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].Line < lines[j].Line })
		next[matches.FileIDFromPath(filepath.Clean(path))] = lines
	}

	t.mu.Lock()
	var changed []matches.FileID
	for id, lines := range next {
		if !reflect.DeepEqual(t.files[id], lines) {
			changed = append(changed, id)
		}
	}
	for id := range t.files {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	t.files = next
	t.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	if len(changed) > 0 {
		t.changes.Publish(changed)
	}
	return changed
}

// Clear drops all coverage.
func (t *Table) Clear() {
	t.mu.Lock()
	t.files = make(map[matches.FileID][]LineHits)
	t.mu.Unlock()
	t.changes.Publish(nil)
}

// Files returns the number of files with coverage.
func (t *Table) Files() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// IsWellCovered reports whether every instrumented line in [start, end] was
// hit. A range without instrumented lines takes the verdict of the nearest
// instrumented line before it. Files without coverage are never covered.
func (t *Table) IsWellCovered(file matches.FileID, start, end int) bool {
	t.mu.RLock()
	lines, ok := t.files[file]
	t.mu.RUnlock()
	if !ok {
		return false
	}

	inRange := 0
	for _, l := range lines {
		if l.Line < start || l.Line > end {
			continue
		}
		inRange++
		if l.Hits <= 0 {
			return false
		}
	}
	if inRange > 0 {
		return true
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].Line < start {
			return lines[i].Hits > 0
		}
	}
	return false
}

// Filter selects queued matches whose every changed section is covered.
type Filter struct {
	reg      *matches.Registry
	res      *content.Resolver
	provider Provider
}

// NewFilter returns a filter over the registry's queued matches.
func NewFilter(reg *matches.Registry, res *content.Resolver, provider Provider) *Filter {
	return &Filter{reg: reg, res: res, provider: provider}
}

// IsWellCovered diffs the merged content of addr against the disk and
// checks each changed section.
func (f *Filter) IsWellCovered(ctx context.Context, addr matches.Address) (bool, error) {
	current, err := f.res.CurrentContent(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", addr.File, err)
	}
	changed, err := f.res.Read(ctx, addr)
	if err != nil {
		return false, err
	}
	for _, s := range merge.DiffSections(string(current), string(changed)) {
		if !f.provider.IsWellCovered(addr.File, s.Start, s.End) {
			return false, nil
		}
	}
	return true, nil
}

// Matches returns the well covered queued matches in discovery order.
func (f *Filter) Matches(ctx context.Context) ([]matches.Address, error) {
	var out []matches.Address
	for _, file := range f.reg.QueuedFiles() {
		for _, addr := range f.reg.QueuedMatches(file) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ok, err := f.IsWellCovered(ctx, addr)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, addr)
			}
		}
	}
	return out, nil
}
