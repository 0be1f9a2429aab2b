package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/poller"
)

// Option configures a Manager.
type Option func(*Manager)

// WithFallback sets the REST source polled for provider p while its stream
// is unavailable. Providers without one still run an idle fallback loop.
func WithFallback(p model.Provider, f poller.Fetcher) Option {
	return func(m *Manager) {
		m.fetchers[p] = f
	}
}

// WithSink sets the external event sink.
func WithSink(s Sink) Option {
	return func(m *Manager) {
		m.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// withClock replaces time.Now for status and uptime calculations.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns one Connection per Provider and exposes the public API.
// All methods are safe for concurrent use and none block on network I/O.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	now    func() time.Time

	conns    map[model.Provider]*conn
	order    []model.Provider
	fetchers map[model.Provider]poller.Fetcher
	hub      *hub
	sink     Sink

	lifeMu  sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager with one Connection record per provider. All
// records start Disconnected.
func New(cfg ManagerConfig, providers []Provider, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
		conns:    make(map[model.Provider]*conn, len(providers)),
		fetchers: make(map[model.Provider]poller.Fetcher),
		hub:      newHub(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, p := range providers {
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("provider with empty name: %w", ErrUnknownProvider)
		}
		if _, ok := m.conns[name]; ok {
			return nil, fmt.Errorf("%s: %w", name, ErrDuplicateProvider)
		}
		m.conns[name] = newConn(m, p, m.fetchers[name])
		m.order = append(m.order, name)
	}
	for name := range m.fetchers {
		if _, ok := m.conns[name]; !ok {
			return nil, fmt.Errorf("fallback for %s: %w", name, ErrUnknownProvider)
		}
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i] < m.order[j] })

	return m, nil
}

// Start launches the command loop and the first connection attempt for
// every provider.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, name := range m.order {
		c := m.conns[name]

		m.wg.Add(1)
		go c.commandLoop(m.ctx)

		c.mu.Lock()
		if c.state == model.StateDisconnected {
			c.beginAttemptLocked("start")
		}
		c.mu.Unlock()
	}

	m.logger.Info("stream manager started", "providers", len(m.order))
	return nil
}

// Stop moves every provider to Disconnected, cancels all tasks and waits
// for them or for ctx. Broadcast subscriber channels are closed.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	m.lifeMu.Unlock()

	m.logger.Info("stopping stream manager")

	for _, name := range m.order {
		m.conns[name].stop()
	}
	if !started {
		m.hub.close()
		return nil
	}
	m.cancel()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		err = ctx.Err()
	}

	m.hub.close()
	m.logger.Info("stream manager stopped")
	return err
}

// Providers returns the configured providers, sorted.
func (m *Manager) Providers() []model.Provider {
	out := make([]model.Provider, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) conn(p model.Provider) (*conn, error) {
	c, ok := m.conns[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrUnknownProvider)
	}
	return c, nil
}

// SubscribePrices adds symbols to the price feed. Only symbols not already
// subscribed are forwarded.
func (m *Manager) SubscribePrices(symbols []string) error {
	return m.change(model.PriceFeed, ActionSubscribe, TopicPrices, symbols)
}

// UnsubscribePrices removes symbols from the price feed.
func (m *Manager) UnsubscribePrices(symbols []string) error {
	return m.change(model.PriceFeed, ActionUnsubscribe, TopicPrices, symbols)
}

// SubscribeAddresses adds addresses to the activity feed.
func (m *Manager) SubscribeAddresses(addresses []string) error {
	return m.change(model.ActivityFeed, ActionSubscribe, TopicActivity, addresses)
}

// UnsubscribeAddresses removes addresses from the activity feed.
func (m *Manager) UnsubscribeAddresses(addresses []string) error {
	return m.change(model.ActivityFeed, ActionUnsubscribe, TopicActivity, addresses)
}

// change mutates the registry and forwards the delta under the connection
// lock, so a concurrent Connected resync never forwards an item twice.
func (m *Manager) change(p model.Provider, action Action, topic Topic, items []string) error {
	c, err := m.conn(p)
	if err != nil {
		return err
	}

	set := c.subs.Symbols
	if topic == TopicActivity {
		set = c.subs.Addresses
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var delta []string
	if action == ActionSubscribe {
		delta = set.Add(items)
	} else {
		delta = set.Remove(items)
		for _, key := range delta {
			c.throttle.Forget(key)
		}
	}
	c.forwardLocked(action, topic, delta)
	return nil
}

// Status returns a snapshot of every provider, sorted by provider.
func (m *Manager) Status() []StreamStatus {
	out := make([]StreamStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.conns[name].status())
	}
	return out
}

// StatusOf returns the snapshot for one provider.
func (m *Manager) StatusOf(p model.Provider) (StreamStatus, error) {
	c, err := m.conn(p)
	if err != nil {
		return StreamStatus{}, err
	}
	return c.status(), nil
}

// Reconnect forces p off its current stream and starts a new attempt now.
// It is a no-op while an attempt is already in flight, before Start (which
// connects every provider) and after Stop.
func (m *Manager) Reconnect(p model.Provider) error {
	c, err := m.conn(p)
	if err != nil {
		return err
	}

	m.lifeMu.Lock()
	started, stopped := m.started, m.stopped
	m.lifeMu.Unlock()

	switch {
	case stopped:
		m.logger.Info("reconnect ignored, manager stopped", "provider", p)
	case !started:
		m.logger.Info("reconnect requested before start, connecting on start", "provider", p)
	default:
		c.reconnect()
	}
	return nil
}

// DrainQueue removes and returns every queued event for p, oldest first.
func (m *Manager) DrainQueue(p model.Provider) ([]model.Event, error) {
	c, err := m.conn(p)
	if err != nil {
		return nil, err
	}
	return c.queue.Drain(), nil
}

// Subscribe attaches a push-style consumer that receives a copy of every
// event from every provider. A consumer that falls behind by more than
// buffer events misses events; buffer <= 0 uses the configured default.
// Call the returned func to detach.
func (m *Manager) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = m.cfg.BroadcastBuffer
	}
	return m.hub.subscribe(buffer)
}

// toSink hands ev to the external sink. A panicking sink is logged and
// otherwise ignored.
func (m *Manager) toSink(ev model.Event) {
	if m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event sink panicked", "panic", r, "kind", ev.Kind)
		}
	}()
	m.sink.HandleEvent(ev)
}
