// Package ring implements a fixed-capacity circular buffer that overwrites
// its oldest element once full.
package ring

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Buffer is a goroutine-safe bounded ring of T.
type Buffer[T any] struct {
	mu    sync.RWMutex
	data  []T
	next  int // index the next Push writes to
	count int
	total uint64
}

// New returns an empty ring holding at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[b.next] = v
	b.next = (b.next + 1) % len(b.data)
	if b.count < len(b.data) {
		b.count++
	}
	b.total++
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the ring capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.data)
}

// Total returns how many elements were ever pushed, including evicted ones.
func (b *Buffer[T]) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Newest returns up to n elements, newest first. n <= 0 returns everything.
func (b *Buffer[T]) Newest(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]T, n)
	idx := b.next
	for i := 0; i < n; i++ {
		idx = (idx - 1 + len(b.data)) % len(b.data)
		out[i] = b.data[idx]
	}
	return out
}

// Oldest returns every buffered element in insertion order.
func (b *Buffer[T]) Oldest() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.count)
	start := (b.next - b.count + len(b.data)) % len(b.data)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(start+i)%len(b.data)]
	}
	return out
}

// Reset drops all elements. Total is kept.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.next = 0
	b.count = 0
}
