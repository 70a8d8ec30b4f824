// Package ring provides a fixed-capacity FIFO buffer used for bounded
// histories: trade outcomes, VPIN buckets, signal logs. Capacity is a
// constructor parameter; eviction is oldest-first.
package ring

// Buffer is a bounded FIFO ring buffer. Not safe for concurrent use;
// owners serialize access behind their own mutex.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New creates a ring buffer with the given capacity. Capacity must be > 0.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when full.
func (b *Buffer[T]) Push(v T) {
	idx := (b.head + b.size) % len(b.items)
	b.items[idx] = v
	if b.size < len(b.items) {
		b.size++
	} else {
		b.head = (b.head + 1) % len(b.items)
	}
}

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Full reports whether the buffer holds Cap() items.
func (b *Buffer[T]) Full() bool { return b.size == len(b.items) }

// At returns the i-th item, oldest first. Panics when out of range.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Last returns the most recent n items, oldest first. When fewer than n
// items are held, all items are returned.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	out := make([]T, 0, n)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.At(i))
	}
	return out
}

// Items returns all held items, oldest first.
func (b *Buffer[T]) Items() []T { return b.Last(b.size) }

// Reset drops all items.
func (b *Buffer[T]) Reset() {
	b.head = 0
	b.size = 0
}
