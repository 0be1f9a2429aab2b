// Package backoff computes reconnect delays.
//
// Delays grow exponentially from Base up to Max. Jitter only ever lengthens a
// delay, and the cap is applied after jitter, so consecutive delays never
// decrease as long as Jitter <= Multiplier-1.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Config holds backoff parameters.
type Config struct {
	Base       time.Duration // Delay for attempt 0
	Max        time.Duration // Upper bound for any delay
	Multiplier float64       // Growth factor per attempt (>= 1)
	Jitter     float64       // Extra fraction in [0, Jitter) added to each delay
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Base:       1 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the delay for the given attempt (0-based) using r as the
// jitter source. r must return values in [0, 1); nil means no jitter.
func (c Config) Delay(attempt int, r func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	raw := float64(c.Base) * math.Pow(mult, float64(attempt))
	if c.Jitter > 0 && r != nil {
		raw *= 1 + c.Jitter*r()
	}

	if c.Max > 0 && (raw > float64(c.Max) || math.IsInf(raw, 1)) {
		return c.Max
	}
	return time.Duration(raw)
}

// State is a point-in-time view of a Scheduler.
type State struct {
	Attempt   int           `json:"attempt"`
	LastDelay time.Duration `json:"last_delay"`
}

// Scheduler tracks the attempt count for one provider.
type Scheduler struct {
	cfg  Config
	rand func() float64

	mu        sync.Mutex
	attempt   int
	lastDelay time.Duration
}

// NewScheduler creates a Scheduler at attempt 0.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, rand: rand.Float64}
}

// WithRand replaces the jitter source. Used by tests for determinism.
func (s *Scheduler) WithRand(r func() float64) *Scheduler {
	s.mu.Lock()
	s.rand = r
	s.mu.Unlock()
	return s
}

// Next returns the delay for the current attempt and advances the counter.
// Jitter never shortens a delay below the previous one.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.cfg.Delay(s.attempt, s.rand)
	if d < s.lastDelay {
		d = s.lastDelay
	}
	s.attempt++
	s.lastDelay = d
	return d
}

// Reset returns the scheduler to attempt 0.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.lastDelay = 0
	s.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last Reset.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// LastDelay returns the delay most recently handed out by Next.
func (s *Scheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelay
}

// State returns the current attempt and last delay.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Attempt: s.attempt, LastDelay: s.lastDelay}
}
