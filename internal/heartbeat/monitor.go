// Package heartbeat detects connections that stop delivering messages
// without reporting an error.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/rickgao/streamkeeper/internal/model"
)

// Defaults.
const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 60 * time.Second
)

// Target is the connection being watched.
type Target interface {
	State() model.State

	// LastMessageAt returns the time of the last message received since the
	// connection reached Connected, and false if none has arrived.
	LastMessageAt() (time.Time, bool)

	// ConnectedAt returns when the connection last reached Connected.
	ConnectedAt() time.Time
}

// StaleFunc is invoked when the target is considered stale. age is the time
// since the last message, or since ConnectedAt if none was received.
type StaleFunc func(age time.Duration)

// Config holds monitor configuration.
type Config struct {
	Interval  time.Duration    // Check period
	Threshold time.Duration    // Max silence before a forced reconnect
	Now       func() time.Time // Clock for age calculations (nil = time.Now)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Threshold: DefaultThreshold}
}

// Monitor periodically checks one Target for staleness.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Monitor.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2 * cfg.Interval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{cfg: cfg, logger: logger, now: cfg.Now}
}

// Run blocks, checking target every interval, until ctx is cancelled or the
// target reaches Disconnected or Failed. Checks only act while Connected.
//
// Start a fresh Run each time the target reaches Connected so that the first
// check lands one full interval after ConnectedAt.
func (m *Monitor) Run(ctx context.Context, target Target, onStale StaleFunc) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch target.State() {
		case model.StateDisconnected, model.StateFailed:
			m.logger.Debug("heartbeat monitor exiting", "state", target.State())
			return
		case model.StateConnected:
		default:
			continue
		}

		if age, stale := m.Check(target); stale {
			m.logger.Warn("connection stale, forcing reconnect",
				"age", age,
				"threshold", m.cfg.Threshold,
			)
			onStale(age)
		}
	}
}

// Check reports whether target is stale right now. A connection that has
// received nothing since ConnectedAt is stale at its first check.
func (m *Monitor) Check(target Target) (time.Duration, bool) {
	now := m.now()

	last, ok := target.LastMessageAt()
	if !ok {
		return now.Sub(target.ConnectedAt()), true
	}

	age := now.Sub(last)
	return age, age > m.cfg.Threshold
}
