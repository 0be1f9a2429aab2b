package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultStalenessThreshold   = 60 * time.Second
	DefaultQueueCapacity        = 1000
	DefaultFallbackPollInterval = 5 * time.Second
	DefaultFallbackConcurrency  = 8
	DefaultFallbackTimeout      = 5 * time.Second
	DefaultMaxBatchSize         = 100
	DefaultThrottleWindow       = 100 * time.Millisecond
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultReconnectMultiplier  = 2.0
	DefaultReconnectJitter      = 0.2
	DefaultBroadcastBuffer      = 256
	DefaultCommandBuffer        = 1024
	DefaultLatencyWindow        = 100
	DefaultPingInterval         = 15 * time.Second
	DefaultPingTimeout          = 45 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultBufferSize           = 1000
	DefaultRESTTimeout          = 10 * time.Second
	DefaultMaxRetries           = 2
	DefaultRateLimit            = 20.0
	DefaultBurst                = 20
	DefaultSubjectPrefix        = "streams"
	DefaultNATSURL              = "nats://127.0.0.1:4222"
	DefaultRedisAddr            = "localhost:6379"
	DefaultRedisTTL             = 5 * time.Minute
	DefaultRedisBuffer          = 1024
	DefaultFlushInterval        = 1 * time.Second
	DefaultBatchSize            = 1000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultHTTPPort             = 8080
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	c.Stream.applyDefaults()
	applyProviderDefaults(&c.Providers.PriceFeed)
	applyProviderDefaults(&c.Providers.ActivityFeed)

	// REST defaults
	if c.REST.Timeout == 0 {
		c.REST.Timeout = DefaultRESTTimeout
	}
	if c.REST.MaxRetries == 0 {
		c.REST.MaxRetries = DefaultMaxRetries
	}
	if c.REST.RateLimit == 0 {
		c.REST.RateLimit = DefaultRateLimit
	}
	if c.REST.Burst == 0 {
		c.REST.Burst = DefaultBurst
	}

	// Sink defaults
	if c.Sinks.NATS.URL == "" {
		c.Sinks.NATS.URL = DefaultNATSURL
	}
	if c.Sinks.NATS.SubjectPrefix == "" {
		c.Sinks.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Sinks.Redis.Addr == "" {
		c.Sinks.Redis.Addr = DefaultRedisAddr
	}
	if c.Sinks.Redis.TTL == 0 {
		c.Sinks.Redis.TTL = DefaultRedisTTL
	}
	if c.Sinks.Redis.Buffer == 0 {
		c.Sinks.Redis.Buffer = DefaultRedisBuffer
	}
	if c.Sinks.Archive.FlushInterval == 0 {
		c.Sinks.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Sinks.Archive.BatchSize == 0 {
		c.Sinks.Archive.BatchSize = DefaultBatchSize
	}
	applyDBDefaults(&c.Sinks.Archive.DB)

	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (s *StreamConfig) applyDefaults() {
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.StalenessThreshold == 0 {
		s.StalenessThreshold = DefaultStalenessThreshold
	}
	if s.QueueCapacity == 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.FallbackPollInterval == 0 {
		s.FallbackPollInterval = DefaultFallbackPollInterval
	}
	if s.FallbackConcurrency == 0 {
		s.FallbackConcurrency = DefaultFallbackConcurrency
	}
	if s.FallbackTimeout == 0 {
		s.FallbackTimeout = DefaultFallbackTimeout
	}
	if s.MaxBatchSize == 0 {
		s.MaxBatchSize = DefaultMaxBatchSize
	}
	if s.ThrottleWindow == 0 {
		s.ThrottleWindow = DefaultThrottleWindow
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if s.ReconnectMultiplier == 0 {
		s.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if s.ReconnectJitter == 0 {
		s.ReconnectJitter = DefaultReconnectJitter
	}
	if s.BroadcastBuffer == 0 {
		s.BroadcastBuffer = DefaultBroadcastBuffer
	}
	if s.CommandBuffer == 0 {
		s.CommandBuffer = DefaultCommandBuffer
	}
	if s.LatencyWindow == 0 {
		s.LatencyWindow = DefaultLatencyWindow
	}
}

func applyProviderDefaults(p *ProviderConfig) {
	if p.PingInterval == 0 {
		p.PingInterval = DefaultPingInterval
	}
	if p.PingTimeout == 0 {
		p.PingTimeout = DefaultPingTimeout
	}
	if p.WriteTimeout == 0 {
		p.WriteTimeout = DefaultWriteTimeout
	}
	if p.BufferSize == 0 {
		p.BufferSize = DefaultBufferSize
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
