// Package buffer provides the take-all-now queue used by batch delivery.
package buffer

import "sync"

// Buffer accumulates records between flushes. DrainAll hands back every
// record pushed so far and leaves the buffer empty in one step, so a push
// racing with a drain lands either in the drained batch or the next one.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
}

// New returns an empty buffer.
func New[T any]() *Buffer[T] {
	return &Buffer[T]{}
}

// Push appends a record.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
}

// DrainAll returns all buffered records in push order and clears the buffer.
func (b *Buffer[T]) DrainAll() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil
	return items
}

// IsEmpty reports whether nothing is buffered.
func (b *Buffer[T]) IsEmpty() bool {
	return b.Len() == 0
}

// Len returns the number of buffered records.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
