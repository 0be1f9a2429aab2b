// Package queue implements the fixed-capacity event queue that absorbs
// back-pressure between producers and batch consumers.
package queue

import "sync"

// DefaultCapacity is the per-provider queue size.
const DefaultCapacity = 1000

// Ring is a thread-safe fixed-capacity FIFO. When full, Push evicts the
// oldest entry so the queue always holds the most recent data.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int

	// Stats
	totalPushed  int64
	totalDrained int64
	dropped      int64
}

// NewRing creates a queue with the given capacity (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item. It never blocks. Returns true if an older item was
// evicted to make room.
func (r *Ring[T]) Push(item T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		var zero T
		r.buf[r.head] = zero // Clear reference for GC
		r.head = (r.head + 1) % r.capacity
		r.count--
		r.dropped++
		evicted = true
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.count++
	r.totalPushed++

	return evicted
}

// Drain atomically removes and returns all queued items in FIFO order.
// Returns nil when empty.
func (r *Ring[T]) Drain() []T {
	return r.DrainTo(0)
}

// DrainTo removes up to max items (0 = all) in FIFO order.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	n := r.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		result[i] = r.buf[r.head]
		r.buf[r.head] = zero
		r.head = (r.head + 1) % r.capacity
	}
	r.count -= n
	r.totalDrained += int64(n)

	return result
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Dropped returns the number of evictions since creation.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stats contains queue statistics.
type Stats struct {
	Count        int   `json:"count"`
	Capacity     int   `json:"capacity"`
	TotalPushed  int64 `json:"total_pushed"`
	TotalDrained int64 `json:"total_drained"`
	Dropped      int64 `json:"dropped"`
}

// Stats returns queue statistics.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Count:        r.count,
		Capacity:     r.capacity,
		TotalPushed:  r.totalPushed,
		TotalDrained: r.totalDrained,
		Dropped:      r.dropped,
	}
}
