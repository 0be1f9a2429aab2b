package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Providers and States
// -----------------------------------------------------------------------------

// Provider identifies one upstream real-time integration.
type Provider string

const (
	PriceFeed    Provider = "price_feed"    // Streams price ticks keyed by symbol
	ActivityFeed Provider = "activity_feed" // Streams on-chain activity keyed by address
)

// Known returns every Provider the manager knows how to host, sorted.
func Known() []Provider {
	p := []Provider{PriceFeed, ActivityFeed}
	sort.Slice(p, func(i, j int) bool { return p[i] < p[j] })
	return p
}

// Valid reports whether p is a known Provider.
func (p Provider) Valid() bool {
	return p == PriceFeed || p == ActivityFeed
}

// State is the connection state of a single Provider.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
	StateFallback      State = "fallback"
)

// States returns every State in lifecycle order.
func States() []State {
	return []State{
		StateDisconnected,
		StateConnecting,
		StateConnected,
		StateDisconnecting,
		StateFailed,
		StateFallback,
	}
}

// -----------------------------------------------------------------------------
// Quotes
// -----------------------------------------------------------------------------

// PriceQuote is a point-in-time price returned by a REST fallback source.
type PriceQuote struct {
	Symbol    string
	Price     decimal.Decimal
	Change    decimal.Decimal // 24h change
	Volume    decimal.Decimal // 24h volume
	Timestamp time.Time
}

// ToUpdate converts the quote into a PriceUpdate payload.
func (q PriceQuote) ToUpdate(snapshot bool) PriceUpdate {
	return PriceUpdate{
		Symbol:     q.Symbol,
		Price:      q.Price,
		Change:     q.Change,
		Volume:     q.Volume,
		Timestamp:  q.Timestamp,
		IsSnapshot: snapshot,
	}
}
