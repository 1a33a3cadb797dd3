package content

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lherron/matchq/internal/matches"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to
// settle before notifying.
const DefaultDebounce = 100 * time.Millisecond

// Watcher notifies resolver subscribers when a file with queued matches
// changes on disk.
type Watcher struct {
	res      *Resolver
	reg      *matches.Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	dirs  map[string]bool
	dirty chan struct{}
}

// NewWatcher creates a watcher. Run starts it.
func NewWatcher(res *Resolver, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		res:      res,
		reg:      res.reg,
		fsw:      fsw,
		debounce: debounce,
		logger:   res.logger.With("component", "watcher"),
		dirs:     make(map[string]bool),
		dirty:    make(chan struct{}, 1),
	}, nil
}

// Run watches until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	sub := w.reg.Subscribe(func(c matches.Change) {
		if !c.Root {
			return
		}
		select {
		case w.dirty <- struct{}{}:
		default:
		}
	})
	defer sub.Dispose()
	w.sync()

	changed := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case <-w.dirty:
			w.sync()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			changed[filepath.Clean(ev.Name)] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.flush(changed)
			changed = make(map[string]bool)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) flush(paths map[string]bool) {
	var addrs []matches.Address
	for path := range paths {
		addrs = append(addrs, w.reg.QueuedMatches(matches.FileIDFromPath(path))...)
	}
	if len(addrs) > 0 {
		w.logger.Debug("files changed on disk", "files", len(paths), "matches", len(addrs))
		w.res.Notify(addrs...)
	}
}

// sync watches the directories of files with queued matches and drops the
// rest.
func (w *Watcher) sync() {
	want := make(map[string]bool)
	for _, id := range w.reg.QueuedFiles() {
		path, err := id.Path()
		if err != nil {
			continue
		}
		want[filepath.Dir(path)] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if !want[dir] {
			_ = w.fsw.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	for dir := range want {
		if w.dirs[dir] {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		w.dirs[dir] = true
	}
}

// Watched returns the number of watched directories.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}
