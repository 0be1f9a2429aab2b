package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/streamkeeper/internal/model"
)

// KV is the subset of redis.Cmdable used by RedisCache.
type KV interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisConfig configures RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// TTL is the expiry of each latest-price key.
	TTL time.Duration

	// Buffer bounds the number of writes waiting for the worker.
	Buffer int

	// WriteTimeout bounds a single SET.
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		TTL:          5 * time.Minute,
		Buffer:       1024,
		WriteTimeout: time.Second,
	}
}

// NewRedisClient creates a client and verifies the server responds.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// LatestKey returns the cache key for a provider's symbol.
func LatestKey(p model.Provider, symbol string) string {
	return fmt.Sprintf("latest:%s:%s", p, symbol)
}

type cacheWrite struct {
	key  string
	data []byte
}

// RedisCacheStats holds counters for a RedisCache.
type RedisCacheStats struct {
	Writes  int64
	Errors  int64
	Dropped int64
}

// RedisCache stores the latest price update per provider and symbol.
// HandleEvent only enqueues; a single worker performs the writes.
type RedisCache struct {
	kv     KV
	cfg    RedisConfig
	logger *slog.Logger

	queue chan cacheWrite

	writes  atomic.Int64
	errors  atomic.Int64
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisCache creates a cache writer over kv.
func NewRedisCache(kv KV, cfg RedisConfig, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRedisConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &RedisCache{
		kv:     kv,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan cacheWrite, cfg.Buffer),
	}
}

// Start launches the write worker.
func (c *RedisCache) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.worker()

	c.logger.Info("redis cache started", "ttl", c.cfg.TTL, "buffer", c.cfg.Buffer)
	return nil
}

// Stop stops the worker after it finishes queued writes, or when ctx ends.
func (c *RedisCache) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("redis cache stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("redis cache stop timed out")
		return ctx.Err()
	}
}

// HandleEvent implements connection.Sink. Only price updates are cached;
// when the queue is full the update is dropped.
func (c *RedisCache) HandleEvent(ev model.Event) {
	if ev.Price == nil {
		return
	}
	data, err := json.Marshal(ev.Price)
	if err != nil {
		c.errors.Add(1)
		return
	}

	select {
	case c.queue <- cacheWrite{key: LatestKey(ev.Provider, ev.Price.Symbol), data: data}:
	default:
		c.dropped.Add(1)
	}
}

// Latest returns the cached price for symbol, or nil when none is cached.
func (c *RedisCache) Latest(ctx context.Context, p model.Provider, symbol string) (*model.PriceUpdate, error) {
	data, err := c.kv.Get(ctx, LatestKey(p, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest price: %w", err)
	}

	var u model.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("unmarshal latest price: %w", err)
	}
	return &u, nil
}

// Stats returns current counters.
func (c *RedisCache) Stats() RedisCacheStats {
	return RedisCacheStats{
		Writes:  c.writes.Load(),
		Errors:  c.errors.Load(),
		Dropped: c.dropped.Load(),
	}
}

func (c *RedisCache) worker() {
	defer c.wg.Done()

	for {
		select {
		case w := <-c.queue:
			c.write(w)
		case <-c.ctx.Done():
			// Drain what is already queued
			for {
				select {
				case w := <-c.queue:
					c.write(w)
				default:
					return
				}
			}
		}
	}
}

func (c *RedisCache) write(w cacheWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	if err := c.kv.Set(ctx, w.key, w.data, c.cfg.TTL).Err(); err != nil {
		c.errors.Add(1)
		c.logger.Warn("redis set failed", "key", w.key, "error", err)
		return
	}
	c.writes.Add(1)
}
