package bus

import "sync"

// RingBuffer is a bounded, thread-safe buffer. When full, the oldest entry is
// dropped to make room and the drop is counted.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Enqueue adds an item, dropping the oldest if necessary.
func (b *RingBuffer[T]) Enqueue(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.capacity {
		var zero T
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.count++
}

// Snapshot returns the buffered items oldest first without removing them.
func (b *RingBuffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.count)
	for i := range b.count {
		out[i] = b.items[(b.tail+i)%b.capacity]
	}
	return out
}

// DequeueBatch removes up to n items, oldest first.
func (b *RingBuffer[T]) DequeueBatch(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}

	var zero T
	result := make([]T, n)
	for i := range n {
		result[i] = b.items[b.tail]
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return result
}

// Len returns the current number of items.
func (b *RingBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns the total number of items evicted to make room.
func (b *RingBuffer[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
