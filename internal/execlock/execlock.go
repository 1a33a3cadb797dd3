// Package execlock serializes operations that must never overlap. A second
// caller is rejected immediately rather than queued.
package execlock

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRunning is returned when the lock is held.
var ErrAlreadyRunning = errors.New("previous execution is still running")

// Lock is a non-blocking mutual exclusion lock.
type Lock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

// New returns an unheld Lock.
func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// LockWhile runs op while holding the lock. The lock is released on every
// exit path, panics included, before LockWhile returns; op's error is
// returned as is.
func (l *Lock) LockWhile(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Held reports whether an operation is running.
func (l *Lock) Held() bool {
	return l.held.Load()
}

// Do runs op under l and returns its result.
func Do[T any](ctx context.Context, l *Lock, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !l.sem.TryAcquire(1) {
		return zero, ErrAlreadyRunning
	}
	l.held.Store(true)
	defer func() {
		l.held.Store(false)
		l.sem.Release(1)
	}()
	return op(ctx)
}
