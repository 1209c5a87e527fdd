package telemetry

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Add overwrites
// the oldest entry, so memory stays bounded at capacity no matter how many
// items pass through it.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	head     int    // next write position
	size     int    // current number of items
	total    uint64 // items ever added, not reset by Clear
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
// The capacity must be greater than zero.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be greater than zero")
	}

	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add inserts an item, evicting the oldest one if the buffer is full.
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.items[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	rb.total++

	if rb.size < rb.capacity {
		rb.size++
	}
}

// GetAll returns all items oldest to newest.
// The returned slice is a copy and safe to modify.
func (rb *RingBuffer[T]) GetAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	result := make([]T, rb.size)
	if rb.size < rb.capacity {
		copy(result, rb.items[:rb.size])
	} else {
		// Wrapped: head points at the oldest item.
		n := copy(result, rb.items[rb.head:])
		copy(result[n:], rb.items[:rb.head])
	}

	return result
}

// GetRecent returns the n most recent items oldest to newest.
// If n exceeds the current size, all items are returned.
func (rb *RingBuffer[T]) GetRecent(n int) []T {
	if n <= 0 {
		return nil
	}
	all := rb.GetAll()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Last returns the most recently added item.
func (rb *RingBuffer[T]) Last() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	idx := (rb.head - 1 + rb.capacity) % rb.capacity
	return rb.items[idx], true
}

// Size returns the current number of items.
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum number of items retained.
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Total returns how many items have ever been added, including evicted
// and cleared ones.
func (rb *RingBuffer[T]) Total() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// Clear removes all items. Slots are zeroed so evicted values can be
// garbage collected.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.items {
		rb.items[i] = zero
	}
	rb.size = 0
	rb.head = 0
}
