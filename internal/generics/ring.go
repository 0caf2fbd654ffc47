package generics

import "iter"

// Ring is a bounded FIFO: once it holds Cap elements, pushing a new element evicts the oldest one.
//
// It is not safe for concurrent use.
type Ring[T any] struct {
	data  []T
	start int
	size  int
}

// NewRing creates an empty Ring with the given capacity. It panics if capacity <= 0.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("generics.NewRing: capacity must be > 0")
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Len returns the number of elements held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the maximum number of elements held.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Full returns whether the ring is at capacity.
func (r *Ring[T]) Full() bool { return r.size == len(r.data) }

// Push appends an element, evicting the oldest one if the ring is full.
func (r *Ring[T]) Push(e T) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = e
		r.size++
		return
	}
	r.data[r.start] = e
	r.start = (r.start + 1) % len(r.data)
}

// At returns the i-th element, 0 being the oldest. It panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("generics.Ring.At: index out of range")
	}
	return r.data[(r.start+i)%len(r.data)]
}

// Set replaces the i-th element, 0 being the oldest. It panics if i is out of range.
func (r *Ring[T]) Set(i int, e T) {
	if i < 0 || i >= r.size {
		panic("generics.Ring.Set: index out of range")
	}
	r.data[(r.start+i)%len(r.data)] = e
}

// All iterates over the elements from the oldest to the newest.
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range r.size {
			if !yield(r.data[(r.start+i)%len(r.data)]) {
				return
			}
		}
	}
}

// Slice returns a copy of the elements, from the oldest to the newest.
func (r *Ring[T]) Slice() []T {
	s := make([]T, 0, r.size)
	for e := range r.All() {
		s = append(s, e)
	}
	return s
}

// Clear removes all elements.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.start, r.size = 0, 0
}
