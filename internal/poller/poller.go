package poller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/streamkeeper/internal/model"
)

// Fetcher is the REST fallback source.
type Fetcher interface {
	FetchPrice(ctx context.Context, symbol string) (model.PriceQuote, error)
}

// FetcherFunc is a function adapter for Fetcher.
type FetcherFunc func(ctx context.Context, symbol string) (model.PriceQuote, error)

func (f FetcherFunc) FetchPrice(ctx context.Context, symbol string) (model.PriceQuote, error) {
	return f(ctx, symbol)
}

// Job binds the poller to one provider's fallback state.
type Job interface {
	// Active reports whether fallback is still in effect. Returning false
	// ends the loop.
	Active() bool

	// Keys returns the currently subscribed symbols.
	Keys() []string

	// HandleQuote receives each successful fetch.
	HandleQuote(q model.PriceQuote)

	// HandleError receives each failed fetch.
	HandleError(key string, err error)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 5s)
	Concurrency int           // Max concurrent requests (default: 8)
	Timeout     time.Duration // Per-request timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Concurrency: 8,
		Timeout:     5 * time.Second,
	}
}

// Poller runs degraded-mode polling loops. A nil Fetcher yields a loop with
// the same structure that performs no fetches.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	logger  *slog.Logger

	cycles atomic.Int64
}

// New creates a Poller.
func New(cfg Config, fetcher Fetcher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Cycles returns the number of completed poll cycles.
func (p *Poller) Cycles() int64 {
	return p.cycles.Load()
}

// Run polls immediately and then every interval until job.Active returns
// false or ctx is cancelled.
func (p *Poller) Run(ctx context.Context, job Job) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("fallback poller started", "interval", p.cfg.Interval)
	defer p.logger.Info("fallback poller stopped")

	for {
		if ctx.Err() != nil || !job.Active() {
			return
		}

		p.pollAll(ctx, job)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollAll fetches one quote per key with bounded concurrency.
func (p *Poller) pollAll(ctx context.Context, job Job) {
	defer p.cycles.Add(1)

	if p.fetcher == nil {
		return
	}

	keys := job.Keys()
	if len(keys) == 0 {
		p.logger.Debug("no subscribed keys to poll")
		return
	}

	start := time.Now()
	var fetched, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := p.pollKey(gctx, job, key); err != nil {
				failed.Add(1)
				return nil // a failed key never aborts the cycle
			}
			fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("poll cycle complete",
		"keys", len(keys),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollKey fetches and hands off a single quote.
func (p *Poller) pollKey(ctx context.Context, job Job, key string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	q, err := p.fetcher.FetchPrice(ctx, key)
	if err != nil {
		p.logger.Warn("fallback fetch failed", "symbol", key, "error", err)
		job.HandleError(key, err)
		return err
	}
	if q.Symbol == "" {
		q.Symbol = key
	}
	job.HandleQuote(q)
	return nil
}
