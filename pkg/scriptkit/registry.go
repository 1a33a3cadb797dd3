// Package scriptkit is the child side of the matchq migration protocol.
//
// A migration script registers its migrations on a Registry and calls Main
// (or Serve). matchqd starts the script, drives it over stdin/stdout and
// restarts it when asked.
//
//	func main() {
//		reg := scriptkit.NewRegistry()
//		reg.MustRegister("RenameFoo", func() (scriptkit.Migration, error) { return &renameFoo{}, nil })
//		scriptkit.Main(reg)
//	}
package scriptkit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lherron/matchq/pkg/protocol"
)

// Migration produces the matches for the current working tree.
type Migration interface {
	MatchedFiles(ctx context.Context) ([]protocol.MatchedFile, error)
}

// CommitMessager customizes the commit message of a single applied match.
// Returning "" selects the default message.
type CommitMessager interface {
	CommitMessage(ctx context.Context, info protocol.CommitInfo) (string, error)
}

// Verifier checks the tree after matches are written, e.g. by compiling.
type Verifier interface {
	Verify(ctx context.Context) error
}

// Starter is called once when the migration is selected.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is called once when the migration is deselected.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Factory creates a fresh migration instance.
type Factory func() (Migration, error)

// Loader discovers migrations in dir. It returns the factories it built and,
// per source file, the error that kept a file from loading.
type Loader func(dir string) (map[string]Factory, map[string]error)

// Registry maps migration names to factories. Registered migrations always
// exist; loaded ones are replaced on every Refresh.
type Registry struct {
	mu         sync.RWMutex
	registered map[string]Factory
	loaded     map[string]Factory
	loaders    []Loader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		registered: make(map[string]Factory),
		loaded:     make(map[string]Factory),
	}
}

// Register adds a named migration.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("migration name is required")
	}
	if f == nil {
		return fmt.Errorf("migration %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.registered[name]; exists {
		return fmt.Errorf("migration %q already registered", name)
	}
	r.registered[name] = f
	return nil
}

// MustRegister is Register for use in main; it panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// AddLoader adds a loader run by Refresh.
func (r *Registry) AddLoader(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// Refresh re-runs every loader against dir and returns load failures keyed
// by source file.
func (r *Registry) Refresh(dir string) map[string]error {
	r.mu.RLock()
	loaders := append([]Loader(nil), r.loaders...)
	r.mu.RUnlock()

	loaded := make(map[string]Factory)
	failures := make(map[string]error)
	for _, load := range loaders {
		factories, errs := load(dir)
		for name, f := range factories {
			loaded[name] = f
		}
		for file, err := range errs {
			failures[file] = err
		}
	}

	r.mu.Lock()
	r.loaded = loaded
	r.mu.Unlock()
	return failures
}

// Names returns every known migration name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.registered)+len(r.loaded))
	var names []string
	for _, m := range []map[string]Factory{r.registered, r.loaded} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// New instantiates the named migration.
func (r *Registry) New(name string) (Migration, error) {
	r.mu.RLock()
	f, ok := r.registered[name]
	if !ok {
		f, ok = r.loaded[name]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &protocol.RemoteError{Name: "UnknownMigration", Message: fmt.Sprintf("no migration named %q", name)}
	}
	return f()
}
