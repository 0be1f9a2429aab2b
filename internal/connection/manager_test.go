package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/streamkeeper/internal/backoff"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/poller"
)

// =============================================================================
// Fake provider
// =============================================================================

// attempt is one call to fakeProvider.Start.
type attempt struct {
	ctx    context.Context
	link   Link
	result chan error
}

// fail makes Start return err.
func (a *attempt) fail(err error) {
	a.result <- err
}

// fakeProvider hands every connection attempt to the test.
type fakeProvider struct {
	name     model.Provider
	attempts chan *attempt

	mu      sync.Mutex
	sent    []Command
	sendErr error
}

func newFakeProvider(name model.Provider) *fakeProvider {
	return &fakeProvider{name: name, attempts: make(chan *attempt, 16)}
}

func (p *fakeProvider) Name() model.Provider { return p.name }

func (p *fakeProvider) Start(ctx context.Context, link Link) error {
	a := &attempt{ctx: ctx, link: link, result: make(chan error, 1)}
	p.attempts <- a
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-a.result:
		return err
	}
}

func (p *fakeProvider) Send(ctx context.Context, cmd Command) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return 0, p.sendErr
	}
	p.sent = append(p.sent, cmd)
	return 10 * len(cmd.Items), nil
}

func (p *fakeProvider) commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.sent...)
}

// next waits for the next connection attempt.
func (p *fakeProvider) next(t *testing.T) *attempt {
	t.Helper()
	select {
	case a := <-p.attempts:
		return a
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no connection attempt", p.name)
		return nil
	}
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.StalenessThreshold = 2 * time.Hour
	cfg.FallbackPollInterval = 20 * time.Millisecond
	cfg.ThrottleWindow = 0
	cfg.Backoff = backoff.Config{Base: 30 * time.Millisecond, Max: time.Second, Multiplier: 2}
	return cfg
}

func newTestManager(t *testing.T, cfg ManagerConfig, opts []Option, providers ...*fakeProvider) *Manager {
	t.Helper()

	ps := make([]Provider, len(providers))
	for i, p := range providers {
		ps[i] = p
	}
	m, err := New(cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func start(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateOf(t *testing.T, m *Manager, p model.Provider) model.State {
	t.Helper()
	st, err := m.StatusOf(p)
	if err != nil {
		t.Fatalf("StatusOf(%s) error = %v", p, err)
	}
	return st.State
}

func waitState(t *testing.T, m *Manager, p model.Provider, want model.State) {
	t.Helper()
	waitFor(t, string(p)+" "+string(want), func() bool { return stateOf(t, m, p) == want })
}

// collector accumulates broadcast events.
type collector struct {
	mu     sync.Mutex
	events []model.Event
	done   chan struct{}
}

func collect(m *Manager) *collector {
	ch, _ := m.Subscribe(1024)
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) states() []model.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.State
	for _, ev := range c.events {
		if ev.Kind == model.KindStatus {
			out = append(out, ev.Status.To)
		}
	}
	return out
}

func snapshotSymbols(events []model.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == model.KindPrice && ev.Price.IsSnapshot {
			out = append(out, ev.Price.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

func distinct(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func quoteFetcher() poller.FetcherFunc {
	return func(ctx context.Context, symbol string) (model.PriceQuote, error) {
		return model.PriceQuote{Symbol: symbol, Price: decimal.NewFromInt(100)}, nil
	}
}

// =============================================================================
// Transition table
// =============================================================================

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to model.State
		want     bool
	}{
		{model.StateDisconnected, model.StateConnecting, true},
		{model.StateConnecting, model.StateConnected, true},
		{model.StateConnecting, model.StateFailed, true},
		{model.StateConnected, model.StateDisconnecting, true},
		{model.StateDisconnecting, model.StateFallback, true},
		{model.StateFailed, model.StateFallback, true},
		{model.StateFallback, model.StateConnecting, true},

		{model.StateDisconnected, model.StateConnected, false},
		{model.StateConnected, model.StateFailed, false},
		{model.StateConnected, model.StateFallback, false},
		{model.StateFallback, model.StateConnected, false},
		{model.StateFailed, model.StateConnecting, false},
		{model.StateConnecting, model.StateConnecting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := validTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestManager_FailureFallsBackAndReconnects(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), []Option{WithFallback(model.PriceFeed, quoteFetcher())}, price)
	events := collect(m)

	if stateOf(t, m, model.PriceFeed) != model.StateDisconnected {
		t.Fatalf("initial state = %s, want disconnected", stateOf(t, m, model.PriceFeed))
	}
	if err := m.SubscribePrices([]string{"SOL", "BTC"}); err != nil {
		t.Fatalf("SubscribePrices() error = %v", err)
	}

	start(t, m)
	first := price.next(t)
	first.fail(errors.New("connection refused"))

	waitFor(t, "fallback active", func() bool {
		st, _ := m.StatusOf(model.PriceFeed)
		return st.Fallback != nil && st.Fallback.Active
	})

	// Two snapshot events, one per symbol, from the first poll cycle.
	var drained []model.Event
	waitFor(t, "snapshot events", func() bool {
		evs, _ := m.DrainQueue(model.PriceFeed)
		drained = append(drained, evs...)
		return len(distinct(snapshotSymbols(drained))) >= 2
	})
	if seen := distinct(snapshotSymbols(drained)); len(seen) != 2 || !seen["BTC"] || !seen["SOL"] {
		t.Errorf("snapshot symbols = %v, want BTC and SOL", snapshotSymbols(drained))
	}

	var sawError bool
	for _, ev := range drained {
		if ev.Kind == model.KindError && strings.Contains(ev.Err.Message, "connection refused") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error event for the failed attempt")
	}

	// Backoff elapses and a new attempt begins.
	second := price.next(t)
	if got := stateOf(t, m, model.PriceFeed); got != model.StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	second.link.Connected()

	st, _ := m.StatusOf(model.PriceFeed)
	if st.State != model.StateConnected {
		t.Fatalf("state = %s, want connected", st.State)
	}
	if st.Fallback == nil || st.Fallback.Active {
		t.Errorf("fallback = %+v, want inactive", st.Fallback)
	}
	if st.Backoff.Attempt != 0 {
		t.Errorf("backoff attempt = %d, want 0", st.Backoff.Attempt)
	}

	waitFor(t, "resync command", func() bool { return len(price.commands()) >= 1 })
	cmds := price.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want a single batch", cmds)
	}
	if cmds[0].Action != ActionSubscribe || cmds[0].Topic != TopicPrices {
		t.Errorf("command = %+v, want subscribe prices", cmds[0])
	}
	if strings.Join(cmds[0].Items, ",") != "BTC,SOL" {
		t.Errorf("command items = %v, want [BTC SOL]", cmds[0].Items)
	}

	want := []model.State{
		model.StateConnecting,
		model.StateFailed,
		model.StateFallback,
		model.StateConnecting,
		model.StateConnected,
	}
	waitFor(t, "status events", func() bool { return len(events.states()) >= len(want) })
	got := events.states()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}
}

func TestManager_FallbackStopsAfterReconnect(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), []Option{WithFallback(model.PriceFeed, quoteFetcher())}, price)
	m.SubscribePrices([]string{"SOL"})

	start(t, m)
	price.next(t).fail(errors.New("boom"))
	waitState(t, m, model.PriceFeed, model.StateFallback)

	price.next(t).link.Connected()
	waitState(t, m, model.PriceFeed, model.StateConnected)

	// Allow for the one cycle that may already be in flight.
	time.Sleep(50 * time.Millisecond)
	m.DrainQueue(model.PriceFeed)
	time.Sleep(80 * time.Millisecond)

	evs, _ := m.DrainQueue(model.PriceFeed)
	if got := snapshotSymbols(evs); len(got) != 0 {
		t.Errorf("snapshots after reconnect = %v, want none", got)
	}
}

func TestManager_ProviderWithoutFallbackIdles(t *testing.T) {
	activity := newFakeProvider(model.ActivityFeed)
	m := newTestManager(t, testConfig(), nil, activity)
	m.SubscribeAddresses([]string{"addr1"})

	start(t, m)
	activity.next(t).fail(errors.New("boom"))
	waitState(t, m, model.ActivityFeed, model.StateFallback)

	time.Sleep(60 * time.Millisecond)
	evs, _ := m.DrainQueue(model.ActivityFeed)
	for _, ev := range evs {
		if ev.Kind == model.KindPrice {
			t.Fatalf("unexpected price event %+v", ev)
		}
	}
	st, _ := m.StatusOf(model.ActivityFeed)
	if st.Statistics.FallbackPolls != 0 {
		t.Errorf("FallbackPolls = %d, want 0", st.Statistics.FallbackPolls)
	}
}

func TestManager_FallbackFetchErrorsCounted(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	fetch := poller.FetcherFunc(func(ctx context.Context, symbol string) (model.PriceQuote, error) {
		if symbol == "BAD" {
			return model.PriceQuote{}, errors.New("not found")
		}
		return model.PriceQuote{Symbol: symbol}, nil
	})
	m := newTestManager(t, testConfig(), []Option{WithFallback(model.PriceFeed, fetch)}, price)
	m.SubscribePrices([]string{"SOL", "BAD"})

	start(t, m)
	price.next(t).fail(errors.New("boom"))

	waitFor(t, "fallback stats", func() bool {
		st, _ := m.StatusOf(model.PriceFeed)
		return st.Statistics.FallbackPolls >= 1 && st.Statistics.FallbackErrors >= 1
	})
	st, _ := m.StatusOf(model.PriceFeed)
	if st.Fallback.LastSuccessfulPoll == nil {
		t.Error("LastSuccessfulPoll not recorded")
	}
}

func TestManager_UnsubscribeDuringFallbackStopsSnapshots(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), []Option{WithFallback(model.PriceFeed, quoteFetcher())}, price)
	m.SubscribePrices([]string{"SOL", "BTC"})

	start(t, m)
	price.next(t).fail(errors.New("boom"))

	var drained []model.Event
	waitFor(t, "snapshots for both symbols", func() bool {
		evs, _ := m.DrainQueue(model.PriceFeed)
		drained = append(drained, evs...)
		return len(distinct(snapshotSymbols(drained))) == 2
	})

	if err := m.UnsubscribePrices([]string{"BTC"}); err != nil {
		t.Fatalf("UnsubscribePrices() error = %v", err)
	}

	// Allow for the one cycle that may already be in flight.
	time.Sleep(50 * time.Millisecond)
	m.DrainQueue(model.PriceFeed)
	time.Sleep(80 * time.Millisecond)

	evs, _ := m.DrainQueue(model.PriceFeed)
	got := snapshotSymbols(evs)
	if len(got) == 0 {
		t.Fatal("no snapshots for the remaining symbol")
	}
	for _, sym := range got {
		if sym != "SOL" {
			t.Errorf("snapshot for %s after unsubscribe", sym)
		}
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

func connect(t *testing.T, m *Manager, p *fakeProvider) *attempt {
	t.Helper()
	a := p.next(t)
	a.link.Connected()
	waitState(t, m, p.name, model.StateConnected)
	return a
}

func TestManager_SubscribeDeduplicates(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	start(t, m)
	connect(t, m, price)

	m.SubscribePrices([]string{"SOL", "BTC"})
	m.SubscribePrices([]string{"BTC", "ETH", "SOL"})
	m.SubscribePrices([]string{"BTC"})

	waitFor(t, "two commands", func() bool { return len(price.commands()) >= 2 })
	time.Sleep(20 * time.Millisecond)

	cmds := price.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %v, want 2", cmds)
	}
	if strings.Join(cmds[0].Items, ",") != "SOL,BTC" {
		t.Errorf("first = %v, want [SOL BTC]", cmds[0].Items)
	}
	if strings.Join(cmds[1].Items, ",") != "ETH" {
		t.Errorf("second = %v, want [ETH]", cmds[1].Items)
	}

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Statistics.MessagesSent != 2 || st.Statistics.BytesSent != 30 {
		t.Errorf("sent = %d msgs / %d bytes, want 2 / 30", st.Statistics.MessagesSent, st.Statistics.BytesSent)
	}
}

func TestManager_SubscribeBatches(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	start(t, m)
	connect(t, m, price)

	symbols := make([]string, 250)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%03d", i)
	}
	m.SubscribePrices(symbols)

	waitFor(t, "three batches", func() bool { return len(price.commands()) >= 3 })
	cmds := price.commands()
	sizes := []int{100, 100, 50}
	if len(cmds) != len(sizes) {
		t.Fatalf("commands = %d, want 3", len(cmds))
	}
	for i, want := range sizes {
		if len(cmds[i].Items) != want {
			t.Errorf("batch %d size = %d, want %d", i, len(cmds[i].Items), want)
		}
	}
}

func TestManager_UnsubscribeForwardsRemovedOnly(t *testing.T) {
	activity := newFakeProvider(model.ActivityFeed)
	m := newTestManager(t, testConfig(), nil, activity)
	start(t, m)
	connect(t, m, activity)

	m.SubscribeAddresses([]string{"a1", "a2"})
	m.UnsubscribeAddresses([]string{"a2", "a3"})

	waitFor(t, "two commands", func() bool { return len(activity.commands()) >= 2 })
	cmds := activity.commands()
	if cmds[1].Action != ActionUnsubscribe || cmds[1].Topic != TopicActivity {
		t.Errorf("second command = %+v, want unsubscribe activity", cmds[1])
	}
	if strings.Join(cmds[1].Items, ",") != "a2" {
		t.Errorf("unsubscribed = %v, want [a2]", cmds[1].Items)
	}

	st, _ := m.StatusOf(model.ActivityFeed)
	if strings.Join(st.Subscriptions.Addresses, ",") != "a1" {
		t.Errorf("addresses = %v, want [a1]", st.Subscriptions.Addresses)
	}
}

func TestManager_SubscribeWhileDisconnectedRecordsError(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)

	m.SubscribePrices([]string{"SOL"})

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Statistics.SubscriptionErrors != 1 {
		t.Errorf("SubscriptionErrors = %d, want 1", st.Statistics.SubscriptionErrors)
	}
	if len(st.Subscriptions.Symbols) != 1 {
		t.Errorf("symbols = %v, want [SOL]", st.Subscriptions.Symbols)
	}
}

func TestManager_SendFailureRecorded(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	price.sendErr = errors.New("write: broken pipe")
	m := newTestManager(t, testConfig(), nil, price)
	start(t, m)
	connect(t, m, price)

	m.SubscribePrices([]string{"SOL"})

	waitFor(t, "subscription error", func() bool {
		st, _ := m.StatusOf(model.PriceFeed)
		return st.Statistics.SubscriptionErrors == 1
	})
	if got := stateOf(t, m, model.PriceFeed); got != model.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestManager_UnknownProvider(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)

	if err := m.SubscribeAddresses([]string{"a1"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("SubscribeAddresses() error = %v, want ErrUnknownProvider", err)
	}
	if err := m.Reconnect(model.ActivityFeed); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Reconnect() error = %v, want ErrUnknownProvider", err)
	}
	if _, err := m.DrainQueue("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("DrainQueue() error = %v, want ErrUnknownProvider", err)
	}
	if _, err := m.StatusOf("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("StatusOf() error = %v, want ErrUnknownProvider", err)
	}
}

func TestNew_Errors(t *testing.T) {
	a := newFakeProvider(model.PriceFeed)
	b := newFakeProvider(model.PriceFeed)

	if _, err := New(testConfig(), []Provider{a, b}); !errors.Is(err, ErrDuplicateProvider) {
		t.Errorf("duplicate: error = %v, want ErrDuplicateProvider", err)
	}
	if _, err := New(testConfig(), []Provider{a}, WithFallback(model.ActivityFeed, quoteFetcher())); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("fallback for missing provider: error = %v, want ErrUnknownProvider", err)
	}
}

// =============================================================================
// Reconnect and heartbeat
// =============================================================================

func TestManager_ManualReconnect(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	events := collect(m)

	// Start connects every provider, so an earlier request has nothing to do.
	if err := m.Reconnect(model.PriceFeed); err != nil {
		t.Errorf("Reconnect before Start error = %v, want nil", err)
	}
	if got := stateOf(t, m, model.PriceFeed); got != model.StateDisconnected {
		t.Errorf("state before Start = %s, want disconnected", got)
	}

	start(t, m)
	first := connect(t, m, price)

	if err := m.Reconnect(model.PriceFeed); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}

	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first attempt not cancelled")
	}

	second := price.next(t)
	st, _ := m.StatusOf(model.PriceFeed)
	if st.State != model.StateConnecting {
		t.Errorf("state = %s, want connecting", st.State)
	}
	if st.Backoff.Attempt != 1 {
		t.Errorf("backoff attempt = %d, want 1", st.Backoff.Attempt)
	}
	if st.Fallback == nil || !st.Fallback.Active || st.Fallback.Reason != "manual reconnect" {
		t.Errorf("fallback = %+v, want active for manual reconnect", st.Fallback)
	}

	// Reconnect while an attempt is in flight is a no-op.
	if err := m.Reconnect(model.PriceFeed); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}

	second.link.Connected()
	waitState(t, m, model.PriceFeed, model.StateConnected)

	st, _ = m.StatusOf(model.PriceFeed)
	if st.Statistics.ReconnectCount != 1 {
		t.Errorf("ReconnectCount = %d, want 1", st.Statistics.ReconnectCount)
	}

	want := []model.State{
		model.StateConnecting,
		model.StateConnected,
		model.StateDisconnecting,
		model.StateFallback,
		model.StateConnecting,
		model.StateConnected,
	}
	waitFor(t, "status events", func() bool { return len(events.states()) >= len(want) })
	got := events.states()
	if len(got) != len(want) {
		t.Fatalf("state sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}
}

func TestManager_ReconnectFromFallbackSkipsTimer(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.Backoff = backoff.Config{Base: time.Hour, Max: time.Hour, Multiplier: 2}
	m := newTestManager(t, cfg, nil, price)
	start(t, m)

	price.next(t).fail(errors.New("boom"))
	waitState(t, m, model.PriceFeed, model.StateFallback)

	if err := m.Reconnect(model.PriceFeed); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	price.next(t)
	if got := stateOf(t, m, model.PriceFeed); got != model.StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

func TestManager_BackoffNonDecreasing(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.Backoff = backoff.Config{Base: 5 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	m := newTestManager(t, cfg, nil, price)
	start(t, m)

	var last time.Duration
	a := price.next(t)
	for i := 0; i < 6; i++ {
		a.fail(errors.New("boom"))
		a = price.next(t)

		st, _ := m.StatusOf(model.PriceFeed)
		if st.Backoff.LastDelay < last {
			t.Fatalf("failure %d: delay %v < previous %v", i, st.Backoff.LastDelay, last)
		}
		if st.Backoff.LastDelay > cfg.Backoff.Max {
			t.Fatalf("failure %d: delay %v exceeds cap", i, st.Backoff.LastDelay)
		}
		last = st.Backoff.LastDelay
	}

	a.link.Connected()
	waitState(t, m, model.PriceFeed, model.StateConnected)
	st, _ := m.StatusOf(model.PriceFeed)
	if st.Backoff.Attempt != 0 || st.Backoff.LastDelay != 0 {
		t.Errorf("backoff after connect = %+v, want reset", st.Backoff)
	}
}

func TestManager_HeartbeatForcesReconnect(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = 40 * time.Millisecond
	m := newTestManager(t, cfg, nil, price)
	start(t, m)

	first := connect(t, m, price)

	// No message ever arrives.
	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stale connection not torn down")
	}

	price.next(t)
	st, _ := m.StatusOf(model.PriceFeed)
	if st.Fallback == nil || st.Fallback.Reason != "heartbeat stale" {
		t.Errorf("fallback = %+v, want heartbeat stale", st.Fallback)
	}
	if st.Backoff.Attempt != 1 {
		t.Errorf("backoff attempt = %d, want 1", st.Backoff.Attempt)
	}
}

func TestManager_HeartbeatQuietWhileMessagesFlow(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = 40 * time.Millisecond
	m := newTestManager(t, cfg, nil, price)
	start(t, m)

	a := connect(t, m, price)

	stop := time.After(150 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			a.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{Address: "x"}), 8, time.Time{})
		}
	}

	if a.ctx.Err() != nil {
		t.Error("healthy connection was torn down")
	}
	if got := stateOf(t, m, model.PriceFeed); got != model.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestManager_HeartbeatRestartsOnReconnect(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.StalenessThreshold = time.Hour
	m := newTestManager(t, cfg, nil, price)
	start(t, m)

	first := connect(t, m, price)
	for i := 0; i < 15; i++ {
		first.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{Address: "x"}), 1, time.Time{})
		time.Sleep(10 * time.Millisecond)
	}

	// Reconnect part way through the first monitor's interval.
	m.Reconnect(model.PriceFeed)
	second := price.next(t)
	second.link.Connected()
	connectedAt := time.Now()

	// Nothing arrives on the new stream, so the first check tears it down,
	// one full interval after Connected.
	select {
	case <-second.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent stream not torn down")
	}
	elapsed := time.Since(connectedAt)
	if elapsed < 180*time.Millisecond {
		t.Errorf("torn down after %v, before one interval", elapsed)
	}
	if elapsed > 330*time.Millisecond {
		t.Errorf("torn down after %v, first check after reconnect was skipped", elapsed)
	}

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Fallback == nil || st.Fallback.Reason != "heartbeat stale" {
		t.Errorf("fallback = %+v, want heartbeat stale", st.Fallback)
	}
}

func TestManager_HeartbeatUsesManagerClock(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StalenessThreshold = 40 * time.Millisecond

	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, cfg, []Option{withClock(func() time.Time { return frozen })}, price)
	start(t, m)

	a := connect(t, m, price)
	a.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{Address: "x"}), 1, time.Time{})

	// Wall time passes the threshold several times over; the manager clock does not.
	time.Sleep(100 * time.Millisecond)
	if a.ctx.Err() != nil {
		t.Error("connection torn down by wall-clock staleness")
	}
	if got := stateOf(t, m, model.PriceFeed); got != model.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

// =============================================================================
// Event path
// =============================================================================

func TestManager_QueueOverflowCountsDrops(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.QueueCapacity = 2
	m := newTestManager(t, cfg, nil, price)
	start(t, m)
	a := connect(t, m, price)

	// connecting + connected status events are already queued.
	for i := 0; i < 5; i++ {
		a.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{
			Address: "addr",
			Slot:    uint64(i),
		}), 1, time.Time{})
	}

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Statistics.DroppedMessages != 5 {
		t.Errorf("DroppedMessages = %d, want 5", st.Statistics.DroppedMessages)
	}
	if st.Statistics.MessagesReceived != 5 || st.Statistics.BytesReceived != 5 {
		t.Errorf("received = %d / %d, want 5 / 5", st.Statistics.MessagesReceived, st.Statistics.BytesReceived)
	}

	evs, _ := m.DrainQueue(model.PriceFeed)
	if len(evs) != 2 {
		t.Fatalf("drained %d events, want 2", len(evs))
	}
	if evs[0].Activity.Slot != 3 || evs[1].Activity.Slot != 4 {
		t.Errorf("drained slots = %d, %d, want 3, 4", evs[0].Activity.Slot, evs[1].Activity.Slot)
	}
}

func TestManager_ThrottleCoalescesPrices(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	cfg := testConfig()
	cfg.ThrottleWindow = 50 * time.Millisecond
	m := newTestManager(t, cfg, nil, price)
	start(t, m)
	a := connect(t, m, price)
	m.DrainQueue(model.PriceFeed)

	for i := 1; i <= 3; i++ {
		a.link.Deliver(model.NewPriceEvent(model.PriceFeed, model.PriceUpdate{
			Symbol: "SOL",
			Price:  decimal.NewFromInt(int64(i)),
		}), 1, time.Time{})
	}

	evs, _ := m.DrainQueue(model.PriceFeed)
	if len(evs) != 1 || !evs[0].Price.Price.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("immediate = %+v, want only the first price", evs)
	}

	var later []model.Event
	waitFor(t, "coalesced price", func() bool {
		evs, _ := m.DrainQueue(model.PriceFeed)
		later = append(later, evs...)
		return len(later) > 0
	})
	if len(later) != 1 || !later[0].Price.Price.Equal(decimal.NewFromInt(3)) {
		t.Errorf("coalesced = %+v, want the latest price", later)
	}
}

func TestManager_StaleLinkIgnored(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	start(t, m)
	first := connect(t, m, price)

	m.Reconnect(model.PriceFeed)
	second := price.next(t)
	second.link.Connected()
	waitState(t, m, model.PriceFeed, model.StateConnected)

	first.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{Address: "old"}), 1, time.Time{})
	first.link.Connected()

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Statistics.MessagesReceived != 0 {
		t.Errorf("MessagesReceived = %d, want 0", st.Statistics.MessagesReceived)
	}
}

func TestManager_BroadcastDropsForSlowSubscriber(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	slow, _ := m.Subscribe(1)

	start(t, m)
	a := connect(t, m, price)
	for i := 0; i < 3; i++ {
		a.link.Deliver(model.NewActivityEvent(model.PriceFeed, model.ActivityUpdate{Address: "x"}), 1, time.Time{})
	}

	st, _ := m.StatusOf(model.PriceFeed)
	// connecting fills the buffer; connected and three activity events miss it.
	if st.Statistics.BroadcastDropped != 4 {
		t.Errorf("BroadcastDropped = %d, want 4", st.Statistics.BroadcastDropped)
	}
	ev := <-slow
	if ev.Kind != model.KindStatus || ev.Status.To != model.StateConnecting {
		t.Errorf("first broadcast = %+v, want connecting status", ev)
	}
}

func TestManager_BroadcastIsCopy(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	ch, cancel := m.Subscribe(16)
	defer cancel()

	start(t, m)
	a := connect(t, m, price)
	m.DrainQueue(model.PriceFeed)

	a.link.Deliver(model.NewPriceEvent(model.PriceFeed, model.PriceUpdate{Symbol: "SOL", Price: decimal.NewFromInt(1)}), 1, time.Time{})

	var got model.Event
	for got.Kind != model.KindPrice {
		select {
		case got = <-ch:
		case <-time.After(time.Second):
			t.Fatal("no price broadcast")
		}
	}
	got.Price.Symbol = "MUTATED"

	evs, _ := m.DrainQueue(model.PriceFeed)
	if len(evs) != 1 || evs[0].Price.Symbol != "SOL" {
		t.Errorf("queued = %+v, want untouched SOL", evs)
	}
}

func TestManager_SinkPanicIsContained(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	var mu sync.Mutex
	calls := 0
	sink := SinkFunc(func(ev model.Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("sink exploded")
	})
	m := newTestManager(t, testConfig(), []Option{WithSink(sink)}, price)
	start(t, m)
	connect(t, m, price)

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("sink calls = %d, want >= 2", calls)
	}
}

// =============================================================================
// Status and lifecycle
// =============================================================================

func TestManager_Status(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	activity := newFakeProvider(model.ActivityFeed)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := base
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	m := newTestManager(t, testConfig(), []Option{withClock(clock)}, price, activity)

	status := m.Status()
	if len(status) != 2 || status[0].Provider != model.ActivityFeed || status[1].Provider != model.PriceFeed {
		t.Fatalf("Status() providers = %+v, want sorted activity_feed, price_feed", status)
	}
	if status[1].LastMessageAgeMs != nil || status[1].Fallback != nil {
		t.Errorf("fresh status = %+v, want nil age and nil fallback", status[1])
	}

	start(t, m)
	a := connect(t, m, price)

	advance(time.Second)
	a.link.Deliver(model.NewPriceEvent(model.PriceFeed, model.PriceUpdate{
		Symbol:    "SOL",
		Timestamp: base.Add(750 * time.Millisecond),
	}), 64, time.Time{})
	advance(500 * time.Millisecond)

	st, _ := m.StatusOf(model.PriceFeed)
	if st.LastMessageAgeMs == nil || *st.LastMessageAgeMs != 500 {
		t.Errorf("LastMessageAgeMs = %v, want 500", st.LastMessageAgeMs)
	}
	if st.Statistics.UptimeMs != 1500 {
		t.Errorf("UptimeMs = %d, want 1500", st.Statistics.UptimeMs)
	}
	if st.Statistics.AvgLatencyMs != 250 || st.Statistics.LatencySamples != 1 {
		t.Errorf("latency = %v over %d, want 250 over 1", st.Statistics.AvgLatencyMs, st.Statistics.LatencySamples)
	}
	if st.Statistics.ConnectedAt == nil || !st.Statistics.ConnectedAt.Equal(base) {
		t.Errorf("ConnectedAt = %v, want %v", st.Statistics.ConnectedAt, base)
	}
}

func TestManager_LatencyUsesReceiveTime(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(t, testConfig(), []Option{withClock(func() time.Time { return base.Add(time.Second) })}, price)
	start(t, m)
	a := connect(t, m, price)

	a.link.Deliver(model.NewPriceEvent(model.PriceFeed, model.PriceUpdate{
		Symbol:    "SOL",
		Timestamp: base,
	}), 32, base.Add(40*time.Millisecond))

	st, _ := m.StatusOf(model.PriceFeed)
	if st.Statistics.AvgLatencyMs != 40 || st.Statistics.LatencySamples != 1 {
		t.Errorf("latency = %v over %d, want 40 over 1", st.Statistics.AvgLatencyMs, st.Statistics.LatencySamples)
	}
}

func TestManager_StopDisconnects(t *testing.T) {
	price := newFakeProvider(model.PriceFeed)
	m := newTestManager(t, testConfig(), nil, price)
	ch, _ := m.Subscribe(64)

	start(t, m)
	a := connect(t, m, price)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if a.ctx.Err() == nil {
		t.Error("attempt context not cancelled")
	}
	if got := stateOf(t, m, model.PriceFeed); got != model.StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}

	var last model.Event
	for ev := range ch {
		last = ev
	}
	if last.Kind != model.KindStatus || last.Status.To != model.StateDisconnected {
		t.Errorf("last event = %+v, want disconnected status", last)
	}

	if err := m.Reconnect(model.PriceFeed); err != nil {
		t.Errorf("Reconnect after Stop error = %v, want nil", err)
	}
	if got := stateOf(t, m, model.PriceFeed); got != model.StateDisconnected {
		t.Errorf("state after Reconnect = %s, want disconnected", got)
	}
	select {
	case <-price.attempts:
		t.Error("Reconnect after Stop started an attempt")
	default:
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop error = %v, want ErrStopped", err)
	}
}
