// Package throttle rate-limits keyed updates to one emission per window.
//
// The first update for a key, or any update arriving after the window has
// elapsed, is emitted immediately. Updates inside the window are coalesced
// into a single pending value that is emitted exactly once when the window
// closes.
package throttle

import (
	"sync"
	"time"
)

// DefaultWindow is the minimum spacing between emissions for one key.
const DefaultWindow = 100 * time.Millisecond

// EmitFunc receives throttled values.
type EmitFunc[T any] func(key string, v T)

// MergeFunc combines a pending value with a newer one. The default keeps
// the newer value.
type MergeFunc[T any] func(pending, next T) T

type entry[T any] struct {
	last       time.Time
	pending    T
	hasPending bool
	timer      *time.Timer
	seq        uint64 // identifies the armed timer
}

// Throttle coalesces updates per key.
type Throttle[T any] struct {
	window time.Duration
	emit   EmitFunc[T]
	merge  MergeFunc[T]
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[T]
	stopped bool

	// Stats
	emitted   int64
	coalesced int64
}

// New creates a Throttle. A window <= 0 disables throttling.
func New[T any](window time.Duration, emit EmitFunc[T]) *Throttle[T] {
	return &Throttle[T]{
		window:  window,
		emit:    emit,
		merge:   func(_, next T) T { return next },
		now:     time.Now,
		entries: make(map[string]*entry[T]),
	}
}

// WithMerge sets the function used to coalesce pending values.
func (t *Throttle[T]) WithMerge(m MergeFunc[T]) *Throttle[T] {
	t.mu.Lock()
	t.merge = m
	t.mu.Unlock()
	return t
}

// Offer submits an update for key. emit is called synchronously while the
// throttle lock is held, so emit must not call back into the Throttle.
func (t *Throttle[T]) Offer(key string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	now := t.now()
	e, ok := t.entries[key]
	if !ok {
		e = &entry[T]{}
		t.entries[key] = e
	}

	if !ok || t.window <= 0 || now.Sub(e.last) >= t.window {
		// Newest value supersedes anything still waiting on a timer.
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		var zero T
		e.pending, e.hasPending = zero, false
		e.last = now
		t.emitted++
		t.emit(key, v)
		return
	}

	if e.hasPending {
		e.pending = t.merge(e.pending, v)
		t.coalesced++
		return
	}

	e.pending, e.hasPending = v, true
	e.seq++
	seq := e.seq
	wait := t.window - now.Sub(e.last)
	e.timer = time.AfterFunc(wait, func() { t.fire(key, seq) })
}

// fire emits the pending value for key once its window closes.
func (t *Throttle[T]) fire(key string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if t.stopped || !ok || !e.hasPending || e.seq != seq {
		return
	}

	v := e.pending
	var zero T
	e.pending, e.hasPending = zero, false
	e.timer = nil
	e.last = t.now()
	t.emitted++
	t.emit(key, v)
}

// Flush emits every pending value immediately.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var zero T
	for key, e := range t.entries {
		if !e.hasPending {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		v := e.pending
		e.pending, e.hasPending = zero, false
		e.last = now
		t.emitted++
		t.emit(key, v)
	}
}

// Forget drops all state for key, including any pending value.
func (t *Throttle[T]) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, key)
	}
}

// Stop cancels all timers and discards pending values. Offer is a no-op
// afterwards.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	t.entries = make(map[string]*entry[T])
}

// Pending returns the number of keys with a value waiting to be emitted.
func (t *Throttle[T]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.hasPending {
			n++
		}
	}
	return n
}

// Stats contains throttle counters.
type Stats struct {
	Emitted   int64 `json:"emitted"`
	Coalesced int64 `json:"coalesced"`
	Pending   int   `json:"pending"`
}

// Stats returns throttle counters.
func (t *Throttle[T]) Stats() Stats {
	pending := t.Pending()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Emitted: t.emitted, Coalesced: t.coalesced, Pending: pending}
}
