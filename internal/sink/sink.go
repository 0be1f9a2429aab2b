package sink

import (
	"log/slog"

	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/model"
)

// Multi delivers every event to each of its sinks in order. A sink that
// panics is logged and skipped; the rest still receive the event.
type Multi struct {
	sinks  []connection.Sink
	logger *slog.Logger
}

// NewMulti creates a Multi over sinks. Nil sinks are ignored.
func NewMulti(logger *slog.Logger, sinks ...connection.Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// HandleEvent implements connection.Sink. Each sink gets its own copy.
func (m *Multi) HandleEvent(ev model.Event) {
	for i, s := range m.sinks {
		m.deliver(i, s, ev.Clone())
	}
}

func (m *Multi) deliver(i int, s connection.Sink, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sink panicked", "sink", i, "panic", r, "kind", ev.Kind)
		}
	}()
	s.HandleEvent(ev)
}
