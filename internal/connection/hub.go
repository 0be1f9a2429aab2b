package connection

import (
	"sync"

	"github.com/rickgao/streamkeeper/internal/model"
)

// hub fans events out to push-style subscribers. Each subscriber has a
// bounded channel; a full subscriber misses the event.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan model.Event
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan model.Event)}
}

// subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *hub) subscribe(buffer int) (<-chan model.Event, func()) {
	ch := make(chan model.Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish sends a clone of ev to every subscriber without blocking and
// returns how many subscribers missed it.
func (h *hub) publish(ev model.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev.Clone():
		default:
			dropped++
		}
	}
	return dropped
}

// count returns the number of subscribers.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// close closes every subscriber channel. Later publishes are no-ops.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
