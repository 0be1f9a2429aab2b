package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/streamkeeper/internal/backoff"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/subscription"
)

// Errors
var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("duplicate provider")
	ErrStopped           = errors.New("manager stopped")
	ErrStreamClosed      = errors.New("stream closed by upstream")
)

// Provider is one upstream real-time integration.
type Provider interface {
	// Name identifies the provider. It must be unique within a Manager.
	Name() model.Provider

	// Start opens the stream and blocks for its lifetime. It must call
	// link.Connected once the stream is established and link.Deliver for
	// each inbound message. It returns when ctx is cancelled or the stream
	// fails; a nil return while ctx is live means the upstream closed.
	Start(ctx context.Context, link Link) error

	// Send writes one subscription command to the live stream and returns
	// the number of bytes written.
	Send(ctx context.Context, cmd Command) (int, error)
}

// Link is the callback surface handed to a Provider for one connection attempt.
// Calls made through a Link from a superseded attempt are ignored.
type Link interface {
	Connected()

	// Deliver hands over one decoded message of size raw bytes, read off the
	// wire at receivedAt. A zero receivedAt means now.
	Deliver(ev model.Event, size int, receivedAt time.Time)
}

// Sink receives a copy of every Event. Implementations must not block and
// must not call back into the Manager.
type Sink interface {
	HandleEvent(ev model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev model.Event)

func (f SinkFunc) HandleEvent(ev model.Event) { f(ev) }

// Action is a subscription command verb.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Topic selects which subscription set a Command refers to.
type Topic string

const (
	TopicPrices   Topic = "prices"   // Items are symbols
	TopicActivity Topic = "activity" // Items are addresses
)

// Command is a subscription change sent to a Provider. Items never exceeds
// the configured batch size.
type Command struct {
	Action Action
	Topic  Topic
	Items  []string
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	HeartbeatInterval    time.Duration  // Staleness check period
	StalenessThreshold   time.Duration  // Max silence on a live stream
	QueueCapacity        int            // Per-provider event queue size
	FallbackPollInterval time.Duration  // REST poll period while degraded
	FallbackConcurrency  int            // Concurrent REST fetches per cycle
	FallbackTimeout      time.Duration  // Per-fetch timeout
	MaxBatchSize         int            // Max items per subscription command
	ThrottleWindow       time.Duration  // Min spacing of price updates per symbol
	Backoff              backoff.Config // Reconnect delays
	BroadcastBuffer      int            // Default per-subscriber channel size
	CommandBuffer        int            // Pending subscription commands per provider
	LatencyWindow        int            // Samples kept for AvgLatencyMs
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval:    30 * time.Second,
		StalenessThreshold:   60 * time.Second,
		QueueCapacity:        1000,
		FallbackPollInterval: 5 * time.Second,
		FallbackConcurrency:  8,
		FallbackTimeout:      5 * time.Second,
		MaxBatchSize:         100,
		ThrottleWindow:       100 * time.Millisecond,
		Backoff:              backoff.DefaultConfig(),
		BroadcastBuffer:      256,
		CommandBuffer:        1024,
		LatencyWindow:        100,
	}
}

// withDefaults fills zero fields from DefaultManagerConfig. ThrottleWindow
// is left alone so that 0 can disable throttling.
func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 2 * c.HeartbeatInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.FallbackPollInterval <= 0 {
		c.FallbackPollInterval = d.FallbackPollInterval
	}
	if c.FallbackConcurrency <= 0 {
		c.FallbackConcurrency = d.FallbackConcurrency
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.BroadcastBuffer <= 0 {
		c.BroadcastBuffer = d.BroadcastBuffer
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = d.CommandBuffer
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	return c
}

// Statistics are per-provider counters. They are never reset.
type Statistics struct {
	MessagesReceived   int64      `json:"messages_received"`
	BytesReceived      int64      `json:"bytes_received"`
	MessagesSent       int64      `json:"messages_sent"`
	BytesSent          int64      `json:"bytes_sent"`
	ReconnectCount     int64      `json:"reconnect_count"`
	DroppedMessages    int64      `json:"dropped_messages"`
	BroadcastDropped   int64      `json:"broadcast_dropped"`
	SubscriptionErrors int64      `json:"subscription_errors"`
	FallbackPolls      int64      `json:"fallback_polls"`
	FallbackErrors     int64      `json:"fallback_errors"`
	AvgLatencyMs       float64    `json:"avg_latency_ms"`
	LatencySamples     int        `json:"latency_samples"`
	ConnectedAt        *time.Time `json:"connected_at,omitempty"`
	UptimeMs           int64      `json:"uptime_ms"`
}

// FallbackState describes degraded-mode polling for one provider.
type FallbackState struct {
	Active             bool       `json:"active"`
	Reason             string     `json:"reason,omitempty"`
	LastSuccessfulPoll *time.Time `json:"last_successful_poll,omitempty"`
	PollIntervalMs     int64      `json:"poll_interval_ms"`
}

// StreamStatus is a point-in-time snapshot of one provider.
type StreamStatus struct {
	Provider         model.Provider        `json:"provider"`
	State            model.State           `json:"state"`
	LastMessageAgeMs *int64                `json:"last_message_age_ms"`
	Statistics       Statistics            `json:"statistics"`
	Subscriptions    subscription.Snapshot `json:"subscriptions"`
	Fallback         *FallbackState        `json:"fallback"` // nil until fallback is first activated
	Backoff          backoff.State         `json:"backoff"`
}
