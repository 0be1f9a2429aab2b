package wsfeed

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrReadTimeout   = errors.New("no frames within read timeout")
	ErrAlreadyClosed = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL
	APIKey       string        // Sent as a bearer token (empty = no auth)
	PingInterval time.Duration // How often to send keepalive pings
	PingTimeout  time.Duration // Read deadline, extended by every frame, ping and pong
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 15 * time.Second,
		PingTimeout:  45 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// withDefaults fills zero fields. PingTimeout defaults to three ping intervals.
func (c ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Frame types.
const (
	FramePrice    = "price"
	FrameActivity = "activity"
	FrameError    = "error"
)

// inboundFrame is the union of every inbound frame's fields.
type inboundFrame struct {
	Type string `json:"type"`

	// price
	Symbol string          `json:"symbol,omitempty"`
	Price  decimal.Decimal `json:"price"`
	Change decimal.Decimal `json:"change"`
	Volume decimal.Decimal `json:"volume"`

	// activity
	Address   string          `json:"address,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Slot      uint64          `json:"slot,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	TS int64 `json:"ts,omitempty"` // Unix milliseconds
}

// outboundCommand is a subscription command.
type outboundCommand struct {
	Op      string   `json:"op"`      // "subscribe" or "unsubscribe"
	Channel string   `json:"channel"` // "prices" or "activity"
	Args    []string `json:"args"`
}
