package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}

	if !c.Providers.PriceFeed.Enabled && !c.Providers.ActivityFeed.Enabled {
		return errors.New("providers: at least one provider must be enabled")
	}
	if err := c.Providers.PriceFeed.validate("providers.price_feed"); err != nil {
		return err
	}
	if err := c.Providers.ActivityFeed.validate("providers.activity_feed"); err != nil {
		return err
	}
	if c.Providers.ActivityFeed.Fallback {
		return errors.New("providers.activity_feed.fallback is not supported")
	}

	if c.Providers.PriceFeed.Enabled && c.Providers.PriceFeed.Fallback {
		if c.REST.BaseURL == "" {
			return errors.New("rest.base_url is required when providers.price_feed.fallback is set")
		}
		if c.REST.MaxRetries < 0 {
			return errors.New("rest.max_retries must be >= 0")
		}
		if c.REST.Burst < 1 {
			return errors.New("rest.burst must be >= 1")
		}
	}

	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return errors.New("sinks.nats.url is required")
	}
	if c.Sinks.Redis.Enabled {
		if c.Sinks.Redis.Addr == "" {
			return errors.New("sinks.redis.addr is required")
		}
		if c.Sinks.Redis.Buffer < 1 {
			return errors.New("sinks.redis.buffer must be >= 1")
		}
	}
	if c.Sinks.Archive.Enabled {
		if c.Sinks.Archive.BatchSize < 1 {
			return errors.New("sinks.archive.batch_size must be >= 1")
		}
		if err := c.Sinks.Archive.DB.validate("sinks.archive.db"); err != nil {
			return err
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if s.HeartbeatInterval <= 0 {
		return errors.New("stream.heartbeat_interval must be > 0")
	}
	if s.StalenessThreshold <= 0 {
		return errors.New("stream.staleness_threshold must be > 0")
	}
	if s.QueueCapacity < 1 {
		return errors.New("stream.queue_capacity must be >= 1")
	}
	if s.FallbackPollInterval <= 0 {
		return errors.New("stream.fallback_poll_interval must be > 0")
	}
	if s.FallbackConcurrency < 1 {
		return errors.New("stream.fallback_concurrency must be >= 1")
	}
	if s.MaxBatchSize < 1 {
		return errors.New("stream.max_batch_size must be >= 1")
	}
	if s.ReconnectBaseDelay <= 0 {
		return errors.New("stream.reconnect_base_delay must be > 0")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("stream.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.ReconnectMultiplier < 1 {
		return errors.New("stream.reconnect_multiplier must be >= 1")
	}
	if s.ReconnectJitter > 1 || s.ReconnectJitter > s.ReconnectMultiplier-1 {
		return fmt.Errorf("stream.reconnect_jitter (%g) must be <= 1 and <= reconnect_multiplier-1", s.ReconnectJitter)
	}
	if s.BroadcastBuffer < 1 {
		return errors.New("stream.broadcast_buffer must be >= 1")
	}
	if s.CommandBuffer < 1 {
		return errors.New("stream.command_buffer must be >= 1")
	}
	if s.LatencyWindow < 1 {
		return errors.New("stream.latency_window must be >= 1")
	}
	return nil
}

func (p *ProviderConfig) validate(prefix string) error {
	if !p.Enabled {
		return nil
	}
	if p.WSURL == "" {
		return fmt.Errorf("%s.ws_url is required", prefix)
	}
	if p.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	if p.PingTimeout <= p.PingInterval {
		return fmt.Errorf("%s.ping_timeout (%v) must exceed ping_interval (%v)", prefix, p.PingTimeout, p.PingInterval)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
