// Package observer is a minimal callback registry.
package observer

import (
	"slices"
	"sync"
)

// Registry holds callbacks for values of type T. It is safe for
// concurrent use; callbacks run on the emitting goroutine with no lock
// held, so they may add or detach observers.
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(T)
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[uint64]func(T))}
}

// Add registers fn and returns a func that detaches it. Detaching twice
// is a no-op.
func (r *Registry[T]) Add(fn func(T)) (detach func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Emit calls every registered observer with v, in registration order.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		r.mu.Lock()
		fn, ok := r.subs[id]
		r.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear detaches every observer.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.subs = make(map[uint64]func(T))
	r.mu.Unlock()
}
