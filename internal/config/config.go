package config

import "time"

// Config is the root configuration for a streamkeeper instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Logging       LoggingConfig       `yaml:"logging"`
	Stream        StreamConfig        `yaml:"stream"`
	Providers     ProvidersConfig     `yaml:"providers"`
	REST          RESTConfig          `yaml:"rest"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Sinks         SinksConfig         `yaml:"sinks"`
	HTTP          HTTPConfig          `yaml:"http"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StreamConfig holds connection manager settings.
type StreamConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StalenessThreshold   time.Duration `yaml:"staleness_threshold"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	FallbackPollInterval time.Duration `yaml:"fallback_poll_interval"`
	FallbackConcurrency  int           `yaml:"fallback_concurrency"`
	FallbackTimeout      time.Duration `yaml:"fallback_timeout"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	ThrottleWindow       time.Duration `yaml:"throttle_window"` // negative disables throttling
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier  float64       `yaml:"reconnect_multiplier"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter"` // negative disables jitter
	BroadcastBuffer      int           `yaml:"broadcast_buffer"`
	CommandBuffer        int           `yaml:"command_buffer"`
	LatencyWindow        int           `yaml:"latency_window"`
}

// ProvidersConfig holds the upstream websocket feeds.
type ProvidersConfig struct {
	PriceFeed    ProviderConfig `yaml:"price_feed"`
	ActivityFeed ProviderConfig `yaml:"activity_feed"`
}

// ProviderConfig holds a single websocket feed.
type ProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WSURL        string        `yaml:"ws_url"`
	APIKey       string        `yaml:"api_key"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`

	// Fallback enables REST polling while the stream is down. Only the
	// price feed has a REST source.
	Fallback bool `yaml:"fallback"`
}

// RESTConfig holds the REST fallback source.
type RESTConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	Burst      int           `yaml:"burst"`
}

// SubscriptionsConfig is the working set subscribed at startup.
type SubscriptionsConfig struct {
	Symbols   []string `yaml:"symbols"`
	Addresses []string `yaml:"addresses"`
}

// SinksConfig holds the optional event sinks.
type SinksConfig struct {
	NATS    NATSSinkConfig    `yaml:"nats"`
	Redis   RedisSinkConfig   `yaml:"redis"`
	Archive ArchiveSinkConfig `yaml:"archive"`
}

// NATSSinkConfig publishes every event to NATS.
type NATSSinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// RedisSinkConfig caches the latest price per symbol.
type RedisSinkConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Buffer   int           `yaml:"buffer"`
}

// ArchiveSinkConfig drains provider queues into Postgres.
type ArchiveSinkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	DB            DBConfig      `yaml:"db"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HTTPConfig holds the status API server.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}
