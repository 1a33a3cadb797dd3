// Package matches tracks the proposed edits of the running migration and
// their queued/resolved lifecycle.
package matches

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lherron/matchq/internal/notify"
	"github.com/lherron/matchq/pkg/protocol"
)

// ErrNotFound is returned for addresses that do not name a live entry,
// including every address issued before the last ReplaceAll.
var ErrNotFound = errors.New("match not found")

// State is the lifecycle state of a match entry.
type State int

const (
	Queued State = iota
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "queued"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is a match together with its state and the file content it was
// computed against.
type Entry struct {
	Address  Address
	Match    protocol.Match
	State    State
	Original string
}

// File is one file's worth of matches, as loaded from the migration.
type File struct {
	ID       FileID
	Original string
	Matches  []protocol.Match
}

// Change describes a registry mutation. Root is set when the set of files
// changed (a rebuild, or a file whose last queued match was resolved);
// otherwise Files lists the files whose queued matches changed.
type Change struct {
	Root       bool
	Files      []FileID
	Generation uint64
}

// Stats summarizes the registry contents.
type Stats struct {
	Generation uint64 `json:"generation"`
	Files      int    `json:"files"`
	Queued     int    `json:"queued"`
	Resolved   int    `json:"resolved"`
}

type fileEntry struct {
	id       FileID
	original string
	matches  []protocol.Match
	states   []State
}

func (f *fileEntry) queued() int {
	n := 0
	for _, s := range f.states {
		if s == Queued {
			n++
		}
	}
	return n
}

// Registry holds the match entries of the current generation. Resolved
// entries are tombstoned in place so indices never shift.
type Registry struct {
	mu         sync.RWMutex
	generation uint64
	files      []*fileEntry
	byID       map[FileID]*fileEntry
	changes    notify.Hub[Change]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[FileID]*fileEntry)}
}

// Subscribe registers fn for change notifications. fn runs on the mutating
// goroutine after the mutation is complete and may read the registry.
func (r *Registry) Subscribe(fn func(Change)) notify.Disposable {
	return r.changes.Subscribe(fn)
}

// Generation returns the current generation. Every ReplaceAll bumps it.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// ReplaceAll swaps in a new set of files atomically. Every previously issued
// address becomes invalid.
func (r *Registry) ReplaceAll(files []File) {
	r.mu.Lock()
	r.generation++
	r.files = r.files[:0:0]
	r.byID = make(map[FileID]*fileEntry, len(files))
	for _, f := range files {
		if len(f.Matches) == 0 {
			continue
		}
		if existing, ok := r.byID[f.ID]; ok {
			existing.matches = append(existing.matches, f.Matches...)
			existing.states = append(existing.states, make([]State, len(f.Matches))...)
			continue
		}
		entry := &fileEntry{
			id:       f.ID,
			original: f.Original,
			matches:  append([]protocol.Match(nil), f.Matches...),
			states:   make([]State, len(f.Matches)),
		}
		r.files = append(r.files, entry)
		r.byID[f.ID] = entry
	}
	gen := r.generation
	r.mu.Unlock()

	r.changes.Publish(Change{Root: true, Generation: gen})
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.ReplaceAll(nil)
}

// QueuedFiles returns the files with at least one queued match, in
// discovery order.
func (r *Registry) QueuedFiles() []FileID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []FileID
	for _, f := range r.files {
		if f.queued() > 0 {
			out = append(out, f.id)
		}
	}
	return out
}

// QueuedMatches returns the addresses of the queued matches of file in
// discovery order.
func (r *Registry) QueuedMatches(file FileID) []Address {
	return r.matches(file, true)
}

// AllMatches returns the addresses of every match of file, resolved ones
// included.
func (r *Registry) AllMatches(file FileID) []Address {
	return r.matches(file, false)
}

func (r *Registry) matches(file FileID, queuedOnly bool) []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[file]
	if !ok {
		return nil
	}
	var out []Address
	for i, s := range f.states {
		if queuedOnly && s != Queued {
			continue
		}
		out = append(out, Address{File: file, Index: i, Generation: r.generation})
	}
	return out
}

// Lookup returns the entry at addr.
func (r *Registry) Lookup(addr Address) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, err := r.locate(addr)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Address:  addr,
		Match:    f.matches[addr.Index],
		State:    f.states[addr.Index],
		Original: f.original,
	}, nil
}

func (r *Registry) locate(addr Address) (*fileEntry, error) {
	if addr.Generation != r.generation {
		return nil, fmt.Errorf("%w: %s is from generation %d, registry is at %d", ErrNotFound, addr.File, addr.Generation, r.generation)
	}
	f, ok := r.byID[addr.File]
	if !ok || addr.Index < 0 || addr.Index >= len(f.states) {
		return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, addr.File, addr.Index)
	}
	return f, nil
}

// Resolve marks addr resolved. Resolving an already resolved entry is a
// no-op.
func (r *Registry) Resolve(addr Address) error {
	return r.ResolveMany([]Address{addr})
}

// ResolveMany resolves every address or, if any address is stale, none.
// A single change notification covers the whole batch.
func (r *Registry) ResolveMany(addrs []Address) error {
	r.mu.Lock()
	targets := make([]*fileEntry, len(addrs))
	for i, addr := range addrs {
		f, err := r.locate(addr)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		targets[i] = f
	}

	var touched []FileID
	seen := make(map[FileID]bool)
	root := false
	for i, addr := range addrs {
		f := targets[i]
		if f.states[addr.Index] == Resolved {
			continue
		}
		f.states[addr.Index] = Resolved
		if !seen[f.id] {
			seen[f.id] = true
			touched = append(touched, f.id)
		}
	}
	for _, id := range touched {
		if r.byID[id].queued() == 0 {
			root = true
		}
	}
	gen := r.generation
	r.mu.Unlock()

	if len(touched) == 0 {
		return nil
	}
	if root {
		r.changes.Publish(Change{Root: true, Generation: gen})
	} else {
		r.changes.Publish(Change{Files: touched, Generation: gen})
	}
	return nil
}

// AllResolved reports whether no queued match remains.
func (r *Registry) AllResolved() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.files {
		if f.queued() > 0 {
			return false
		}
	}
	return true
}

// Next returns the queued match after addr: the next queued match in the
// same file, else the first queued match of a following file. A zero
// Address starts from the beginning.
func (r *Registry) Next(addr Address) (Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	from := -1
	if addr.File != "" && addr.Generation == r.generation {
		for i, f := range r.files {
			if f.id == addr.File {
				start, from = i, addr.Index
				break
			}
		}
	}

	for i := start; i < len(r.files); i++ {
		f := r.files[i]
		for j, s := range f.states {
			if i == start && j <= from {
				continue
			}
			if s == Queued {
				return Address{File: f.id, Index: j, Generation: r.generation}, true
			}
		}
	}
	return Address{}, false
}

// Stats returns counts for the current generation.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Generation: r.generation}
	for _, f := range r.files {
		q := f.queued()
		if q > 0 {
			st.Files++
		}
		st.Queued += q
		st.Resolved += len(f.states) - q
	}
	return st
}
