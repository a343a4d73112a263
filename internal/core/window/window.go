// Package window keeps the bounded history of recently accepted records that
// Filter and Exec stages can read.
package window

// Buffer is a fixed-capacity FIFO ring. When full, Push evicts the oldest
// element. Capacity 0 disables the buffer: Push is a no-op.
//
// Buffer is not safe for concurrent use; it is owned by the coordinating
// goroutine and mutated only after an event has finished its stage sequence.
type Buffer[T any] struct {
	items   []T
	head    int // next write position
	size    int
	evicted uint64
}

// New returns a buffer holding at most capacity elements.
// A negative capacity is treated as 0.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest element on overflow.
func (b *Buffer[T]) Push(item T) {
	c := len(b.items)
	if c == 0 {
		return
	}
	if b.size == c {
		b.evicted++
	} else {
		b.size++
	}
	b.items[b.head] = item
	b.head = (b.head + 1) % c
}

// Snapshot returns a copy of the contents, most recent first.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	c := len(b.items)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head-1-i+c)%c]
	}
	return out
}

// At returns the i-th most recent element (0 = newest).
func (b *Buffer[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= b.size {
		return zero, false
	}
	c := len(b.items)
	return b.items[(b.head-1-i+c)%c], true
}

// Len returns the number of held elements: min(Cap, pushed so far).
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Evicted returns how many elements were dropped on overflow.
func (b *Buffer[T]) Evicted() uint64 { return b.evicted }
