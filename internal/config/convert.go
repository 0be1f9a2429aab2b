package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/rickgao/streamkeeper/internal/api"
	"github.com/rickgao/streamkeeper/internal/backoff"
	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/sink"
	"github.com/rickgao/streamkeeper/internal/wsfeed"
)

// DefaultRetryBackoff is the first REST retry delay.
const DefaultRetryBackoff = 250 * time.Millisecond

// ManagerConfig converts stream settings for connection.New.
func (s StreamConfig) ManagerConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		HeartbeatInterval:    s.HeartbeatInterval,
		StalenessThreshold:   s.StalenessThreshold,
		QueueCapacity:        s.QueueCapacity,
		FallbackPollInterval: s.FallbackPollInterval,
		FallbackConcurrency:  s.FallbackConcurrency,
		FallbackTimeout:      s.FallbackTimeout,
		MaxBatchSize:         s.MaxBatchSize,
		ThrottleWindow:       max(s.ThrottleWindow, 0),
		Backoff: backoff.Config{
			Base:       s.ReconnectBaseDelay,
			Max:        s.ReconnectMaxDelay,
			Multiplier: s.ReconnectMultiplier,
			Jitter:     max(s.ReconnectJitter, 0),
		},
		BroadcastBuffer: s.BroadcastBuffer,
		CommandBuffer:   s.CommandBuffer,
		LatencyWindow:   s.LatencyWindow,
	}
}

// ClientConfig converts a provider for wsfeed.NewFeed.
func (p ProviderConfig) ClientConfig() wsfeed.ClientConfig {
	return wsfeed.ClientConfig{
		URL:          p.WSURL,
		APIKey:       p.APIKey,
		PingInterval: p.PingInterval,
		PingTimeout:  p.PingTimeout,
		WriteTimeout: p.WriteTimeout,
		BufferSize:   p.BufferSize,
	}
}

// ClientOptions converts REST settings for api.NewClient.
func (r RESTConfig) ClientOptions(logger *slog.Logger) []api.ClientOption {
	return []api.ClientOption{
		api.WithTimeout(r.Timeout),
		api.WithRetries(r.MaxRetries, DefaultRetryBackoff),
		api.WithRateLimit(r.RateLimit, r.Burst),
		api.WithLogger(logger),
	}
}

// NATSConfig converts the NATS sink settings.
func (n NATSSinkConfig) NATSConfig(instanceID string) sink.NATSConfig {
	cfg := sink.DefaultNATSConfig()
	cfg.URL = n.URL
	cfg.SubjectPrefix = n.SubjectPrefix
	if instanceID != "" {
		cfg.Name = "streamkeeper-" + instanceID
	}
	return cfg
}

// RedisConfig converts the Redis sink settings.
func (r RedisSinkConfig) RedisConfig() sink.RedisConfig {
	cfg := sink.DefaultRedisConfig()
	cfg.Addr = r.Addr
	cfg.Password = r.Password
	cfg.DB = r.DB
	cfg.TTL = r.TTL
	cfg.Buffer = r.Buffer
	return cfg
}

// ArchiverConfig converts the archive sink settings.
func (a ArchiveSinkConfig) ArchiverConfig() sink.ArchiverConfig {
	return sink.ArchiverConfig{
		BatchSize:     a.BatchSize,
		FlushInterval: a.FlushInterval,
	}
}

// SlogLevel returns the configured level; unknown values map to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a logger writing to w in the configured format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
