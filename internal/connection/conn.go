package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/streamkeeper/internal/backoff"
	"github.com/rickgao/streamkeeper/internal/heartbeat"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/poller"
	"github.com/rickgao/streamkeeper/internal/queue"
	"github.com/rickgao/streamkeeper/internal/subscription"
	"github.com/rickgao/streamkeeper/internal/throttle"
)

// pendingCommand is a Command tagged with the attempt it was issued for.
type pendingCommand struct {
	gen uint64
	cmd Command
}

// conn is the Connection record for one provider. All state-machine fields
// are guarded by mu; the queue, throttle, registry and stats lock themselves.
type conn struct {
	name     model.Provider
	provider Provider
	m        *Manager
	logger   *slog.Logger

	subs     *subscription.Registry
	queue    *queue.Ring[model.Event]
	throttle *throttle.Throttle[model.Event]
	backoff  *backoff.Scheduler
	stats    *stats
	monitor  *heartbeat.Monitor
	poller   *poller.Poller
	cmds     chan pendingCommand

	mu            sync.Mutex
	state         model.State
	gen           uint64 // incremented for every attempt and every supersede
	attemptCtx    context.Context
	cancelAttempt context.CancelFunc
	retryTimer    *time.Timer
	stopped       bool

	everConnected bool
	connectedAt   time.Time
	lastMessageAt time.Time // last message ever, for status
	gotMessage    bool      // a message arrived since the last Connected

	fallback        FallbackState
	fallbackUsed    bool
	pollerRunning   bool
	cancelHeartbeat context.CancelFunc
}

func newConn(m *Manager, p Provider, fetcher poller.Fetcher) *conn {
	cfg := m.cfg
	logger := m.logger.With("provider", p.Name())

	c := &conn{
		name:     p.Name(),
		provider: p,
		m:        m,
		logger:   logger,
		subs:     subscription.NewRegistry(cfg.MaxBatchSize),
		queue:    queue.NewRing[model.Event](cfg.QueueCapacity),
		backoff:  backoff.NewScheduler(cfg.Backoff),
		stats:    newStats(cfg.LatencyWindow),
		monitor: heartbeat.New(heartbeat.Config{
			Interval:  cfg.HeartbeatInterval,
			Threshold: cfg.StalenessThreshold,
			Now:       m.now,
		}, logger),
		poller: poller.New(poller.Config{
			Interval:    cfg.FallbackPollInterval,
			Concurrency: cfg.FallbackConcurrency,
			Timeout:     cfg.FallbackTimeout,
		}, fetcher, logger),
		cmds:  make(chan pendingCommand, cfg.CommandBuffer),
		state: model.StateDisconnected,
		fallback: FallbackState{
			PollIntervalMs: cfg.FallbackPollInterval.Milliseconds(),
		},
	}
	c.throttle = throttle.New(cfg.ThrottleWindow, func(_ string, ev model.Event) {
		c.emit(ev)
	})
	return c
}

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// setStateLocked applies a transition and emits a StatusChange. Illegal
// transitions are refused.
func (c *conn) setStateLocked(to model.State, reason string) bool {
	from := c.state
	shutdown := c.stopped && to == model.StateDisconnected
	if !shutdown && !validTransition(from, to) {
		c.logger.Error("illegal state transition refused", "from", from, "to", to, "reason", reason)
		return false
	}

	c.state = to
	c.logger.Info("state changed", "from", from, "to", to, "reason", reason)
	c.emit(model.NewStatusEvent(c.name, from, to, reason))
	return true
}

// beginAttemptLocked moves to Connecting and launches the provider task.
func (c *conn) beginAttemptLocked(reason string) {
	if !c.setStateLocked(model.StateConnecting, reason) {
		return
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.m.ctx)
	c.attemptCtx = ctx
	c.cancelAttempt = cancel

	c.m.wg.Add(1)
	go c.run(ctx, gen)
}

// run drives one connection attempt.
func (c *conn) run(ctx context.Context, gen uint64) {
	defer c.m.wg.Done()

	err := c.provider.Start(ctx, &link{c: c, gen: gen})
	c.attemptEnded(gen, err)
}

// attemptEnded handles a provider task returning.
func (c *conn) attemptEnded(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped {
		return
	}
	if err == nil {
		err = ErrStreamClosed
	}
	c.cancelAttemptLocked()
	c.stopHeartbeatLocked()

	reason := err.Error()
	c.logger.Warn("stream failed", "state", c.state, "error", err)
	c.emit(model.NewErrorEvent(c.name, reason))

	switch c.state {
	case model.StateConnecting:
		c.setStateLocked(model.StateFailed, reason)
	case model.StateConnected:
		c.setStateLocked(model.StateDisconnecting, reason)
	}
	c.enterFallbackLocked(reason)
	c.scheduleRetryLocked(c.backoff.Next())
}

// connected handles a provider reporting success.
func (c *conn) connected(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped || c.state != model.StateConnecting {
		return
	}
	if !c.setStateLocked(model.StateConnected, "stream established") {
		return
	}

	c.backoff.Reset()
	c.connectedAt = c.m.now()
	c.gotMessage = false
	if c.everConnected {
		c.stats.reconnects.Add(1)
	}
	c.everConnected = true
	c.fallback.Active = false
	c.fallback.Reason = ""

	c.startHeartbeatLocked()
	c.resyncLocked()
}

// reconnect handles a manual reconnect. It is a no-op while an attempt is
// in flight and after shutdown.
func (c *conn) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	const reason = "manual reconnect"
	if c.stopped {
		c.logger.Info("reconnect ignored after shutdown")
		return
	}

	switch c.state {
	case model.StateConnecting:
		return
	case model.StateDisconnected:
		c.beginAttemptLocked(reason)
		return
	case model.StateConnected:
		c.dropStreamLocked(reason)
	}
	if c.state != model.StateFallback {
		return
	}

	c.stopRetryLocked()
	c.backoff.Next()
	c.beginAttemptLocked(reason)
}

// staleReconnect tears down the stream watched by the heartbeat started for
// attempt gen, if it is still live and still stale.
func (c *conn) staleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped || c.state != model.StateConnected {
		return
	}
	if !c.staleLocked() {
		// A message arrived after the monitor's check.
		return
	}
	c.dropStreamLocked("heartbeat stale")
	c.scheduleRetryLocked(c.backoff.Next())
}

// dropStreamLocked supersedes the live attempt and moves Connected through
// Disconnecting into Fallback.
func (c *conn) dropStreamLocked(reason string) {
	c.gen++
	c.cancelAttemptLocked()
	c.stopHeartbeatLocked()
	c.setStateLocked(model.StateDisconnecting, reason)
	c.enterFallbackLocked(reason)
}

// staleLocked repeats the monitor's check with the current state.
func (c *conn) staleLocked() bool {
	if !c.gotMessage {
		return true
	}
	return c.m.now().Sub(c.lastMessageAt) > c.m.cfg.StalenessThreshold
}

// scheduleRetryLocked arms a one-shot timer for the next attempt.
func (c *conn) scheduleRetryLocked(delay time.Duration) {
	c.stopRetryLocked()
	gen := c.gen
	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.backoff.Attempt())
	c.retryTimer = time.AfterFunc(delay, func() {
		c.retry(gen)
	})
}

func (c *conn) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopped || c.state != model.StateFallback {
		return
	}
	c.retryTimer = nil
	c.beginAttemptLocked("backoff elapsed")
}

func (c *conn) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *conn) cancelAttemptLocked() {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

// stop moves to Disconnected. Only called by Manager.Stop.
func (c *conn) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.gen++
	c.cancelAttemptLocked()
	c.stopRetryLocked()
	c.stopHeartbeatLocked()
	c.fallback.Active = false
	if c.state != model.StateDisconnected {
		c.setStateLocked(model.StateDisconnected, "shutdown")
	}
	c.mu.Unlock()

	c.throttle.Flush()
	c.throttle.Stop()
}

// -----------------------------------------------------------------------------
// Fallback
// -----------------------------------------------------------------------------

// enterFallbackLocked moves to Fallback and makes sure a poller is running.
func (c *conn) enterFallbackLocked(reason string) {
	if !c.setStateLocked(model.StateFallback, reason) {
		return
	}
	c.fallbackUsed = true
	c.fallback.Active = true
	c.fallback.Reason = reason

	if c.pollerRunning {
		return
	}
	c.pollerRunning = true
	c.m.wg.Add(1)
	go func() {
		defer c.m.wg.Done()
		c.poller.Run(c.m.ctx, c)
	}()
}

// Active implements poller.Job. Returning false marks the poller as exited.
func (c *conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || !c.fallback.Active {
		c.pollerRunning = false
		return false
	}
	return true
}

// Keys implements poller.Job.
func (c *conn) Keys() []string {
	return c.subs.Symbols.Items()
}

// HandleQuote implements poller.Job.
func (c *conn) HandleQuote(q model.PriceQuote) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.m.now().UTC()
	c.fallback.LastSuccessfulPoll = &now
	c.mu.Unlock()

	c.stats.fallbackPolls.Add(1)
	c.offer(model.NewPriceEvent(c.name, q.ToUpdate(true)))
}

// HandleError implements poller.Job. The poller logs the failure.
func (c *conn) HandleError(_ string, _ error) {
	c.stats.fallbackErrors.Add(1)
}

// -----------------------------------------------------------------------------
// Heartbeat
// -----------------------------------------------------------------------------

// startHeartbeatLocked replaces any running monitor with one bound to the
// current attempt.
func (c *conn) startHeartbeatLocked() {
	c.stopHeartbeatLocked()

	ctx, cancel := context.WithCancel(c.m.ctx)
	c.cancelHeartbeat = cancel
	gen := c.gen

	c.m.wg.Add(1)
	go func() {
		defer c.m.wg.Done()
		c.monitor.Run(ctx, c, func(time.Duration) {
			c.staleReconnect(gen)
		})
	}()
}

func (c *conn) stopHeartbeatLocked() {
	if c.cancelHeartbeat != nil {
		c.cancelHeartbeat()
		c.cancelHeartbeat = nil
	}
}

// State implements heartbeat.Target.
func (c *conn) State() model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastMessageAt implements heartbeat.Target.
func (c *conn) LastMessageAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageAt, c.gotMessage
}

// ConnectedAt implements heartbeat.Target.
func (c *conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// forwardLocked sends a registry change to the live stream in batches.
// Changes made while not Connected are recorded as subscription errors and
// picked up by the resync on the next Connected.
func (c *conn) forwardLocked(action Action, topic Topic, items []string) {
	if len(items) == 0 {
		return
	}
	if c.state != model.StateConnected {
		c.stats.subscriptionErrors.Add(1)
		c.logger.Debug("provider not connected, deferring subscription change",
			"action", action,
			"topic", topic,
			"items", len(items),
		)
		return
	}
	for _, batch := range c.subs.Batches(items) {
		c.enqueueLocked(Command{Action: action, Topic: topic, Items: batch})
	}
}

// resyncLocked re-issues the full working set after Connected.
func (c *conn) resyncLocked() {
	snap := c.subs.Snapshot()
	for _, batch := range c.subs.Batches(snap.Symbols) {
		c.enqueueLocked(Command{Action: ActionSubscribe, Topic: TopicPrices, Items: batch})
	}
	for _, batch := range c.subs.Batches(snap.Addresses) {
		c.enqueueLocked(Command{Action: ActionSubscribe, Topic: TopicActivity, Items: batch})
	}
}

func (c *conn) enqueueLocked(cmd Command) {
	select {
	case c.cmds <- pendingCommand{gen: c.gen, cmd: cmd}:
	default:
		c.stats.subscriptionErrors.Add(1)
		c.logger.Warn("command buffer full, dropping subscription command",
			"action", cmd.Action,
			"items", len(cmd.Items),
		)
	}
}

// commandLoop writes queued commands to the provider so that API calls never
// wait on network I/O.
func (c *conn) commandLoop(ctx context.Context) {
	defer c.m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case pc := <-c.cmds:
			c.send(pc)
		}
	}
}

func (c *conn) send(pc pendingCommand) {
	c.mu.Lock()
	if pc.gen != c.gen || c.state != model.StateConnected {
		c.mu.Unlock()
		// Superseded; the next resync covers it.
		c.stats.subscriptionErrors.Add(1)
		return
	}
	ctx := c.attemptCtx
	c.mu.Unlock()

	n, err := c.provider.Send(ctx, pc.cmd)
	if err != nil {
		c.stats.subscriptionErrors.Add(1)
		c.logger.Warn("failed to send subscription command",
			"action", pc.cmd.Action,
			"items", len(pc.cmd.Items),
			"error", err,
		)
		return
	}
	c.stats.recordSent(n)
}

// -----------------------------------------------------------------------------
// Event path
// -----------------------------------------------------------------------------

// deliver handles one inbound message from the attempt identified by gen.
// Latency is measured against receivedAt, or now when it is zero.
func (c *conn) deliver(gen uint64, ev model.Event, size int, receivedAt time.Time) {
	c.mu.Lock()
	if gen != c.gen || c.stopped || c.state != model.StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.m.now()
	c.lastMessageAt = now
	c.gotMessage = true
	c.mu.Unlock()

	if receivedAt.IsZero() {
		receivedAt = now
	}
	c.stats.recordReceived(size)
	if ts, ok := ev.SourceTime(); ok {
		c.stats.recordLatency(receivedAt.Sub(ts))
	}
	c.offer(ev)
}

// offer routes price updates through the throttle and everything else
// straight to emit.
func (c *conn) offer(ev model.Event) {
	if ev.Kind == model.KindPrice && ev.Price != nil {
		c.throttle.Offer(ev.Key(), ev)
		return
	}
	c.emit(ev)
}

// emit pushes ev into the queue and hands clones to the hub and the sink.
func (c *conn) emit(ev model.Event) {
	c.queue.Push(ev)
	if dropped := c.m.hub.publish(ev); dropped > 0 {
		c.stats.broadcastDropped.Add(int64(dropped))
	}
	c.m.toSink(ev.Clone())
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

func (c *conn) status() StreamStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.m.now()
	st := StreamStatus{
		Provider:      c.name,
		State:         c.state,
		Statistics:    c.stats.snapshot(),
		Subscriptions: c.subs.Snapshot(),
		Backoff:       c.backoff.State(),
	}
	st.Statistics.DroppedMessages = c.queue.Dropped()

	if !c.lastMessageAt.IsZero() {
		age := now.Sub(c.lastMessageAt).Milliseconds()
		st.LastMessageAgeMs = &age
	}
	if c.everConnected {
		at := c.connectedAt.UTC()
		st.Statistics.ConnectedAt = &at
		if c.state == model.StateConnected {
			st.Statistics.UptimeMs = now.Sub(c.connectedAt).Milliseconds()
		}
	}
	if c.fallbackUsed {
		fb := c.fallback
		if fb.LastSuccessfulPoll != nil {
			t := *fb.LastSuccessfulPoll
			fb.LastSuccessfulPoll = &t
		}
		st.Fallback = &fb
	}
	return st
}

// -----------------------------------------------------------------------------
// Link
// -----------------------------------------------------------------------------

// link binds a Provider callback surface to one attempt.
type link struct {
	c   *conn
	gen uint64
}

func (l *link) Connected() {
	l.c.connected(l.gen)
}

func (l *link) Deliver(ev model.Event, size int, receivedAt time.Time) {
	l.c.deliver(l.gen, ev, size, receivedAt)
}
