// Package notify provides observer subscriptions with disposal handles.
package notify

import (
	"sync"
)

// Disposable releases a subscription. Dispose is idempotent.
type Disposable interface {
	Dispose()
}

// DisposeFunc adapts a function to Disposable.
type DisposeFunc func()

// Dispose calls f.
func (f DisposeFunc) Dispose() { f() }

// Hub fans values out to subscribers. Handlers run synchronously on the
// publishing goroutine, in subscription order, without any Hub lock held,
// so a handler may subscribe, dispose or publish.
type Hub[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

// Subscribe registers fn and returns a handle that removes it.
func (h *Hub[T]) Subscribe(fn func(T)) Disposable {
	h.mu.Lock()
	if h.handlers == nil {
		h.handlers = make(map[uint64]func(T))
	}
	h.nextID++
	id := h.nextID
	h.handlers[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return DisposeFunc(func() {
		once.Do(func() { h.remove(id) })
	})
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Group disposes several subscriptions together.
type Group struct {
	mu    sync.Mutex
	items []Disposable
}

// Add tracks d for a later Dispose.
func (g *Group) Add(d Disposable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, d)
}

// Dispose releases every tracked subscription.
func (g *Group) Dispose() {
	g.mu.Lock()
	items := g.items
	g.items = nil
	g.mu.Unlock()
	for _, d := range items {
		d.Dispose()
	}
}
