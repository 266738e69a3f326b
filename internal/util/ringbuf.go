package util

import "sync"

// Ring keeps the most recent capacity items. Push never blocks and never
// grows; once full, each push drops the oldest item. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  uint64 // pushes so far
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push stores v, displacing the oldest item when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.items[int(r.next)%len(r.items)] = v
	r.next++
	r.mu.Unlock()
}

// Snapshot copies the stored items out, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int(r.next)
	if n < len(r.items) {
		out := make([]T, n)
		copy(out, r.items[:n])
		return out
	}
	start := n % len(r.items)
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[start:]...)
	out = append(out, r.items[:start]...)
	return out
}

// Len reports how many items are stored.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := int(r.next); n < len(r.items) {
		return n
	}
	return len(r.items)
}
