package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind tags which payload an Event carries.
type EventKind string

const (
	KindPrice    EventKind = "price_update"
	KindActivity EventKind = "activity_update"
	KindStatus   EventKind = "status_change"
	KindError    EventKind = "error"
)

// PriceUpdate is a price tick for one symbol.
type PriceUpdate struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Change     decimal.Decimal `json:"change"`
	Volume     decimal.Decimal `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`
	IsSnapshot bool            `json:"is_snapshot"` // true when produced by a REST poll
}

// ActivityUpdate is one observed on-chain action for a watched address.
type ActivityUpdate struct {
	Address   string          `json:"address"`
	Signature string          `json:"signature"`
	Kind      string          `json:"kind"` // e.g. "transfer", "swap"
	Amount    decimal.Decimal `json:"amount"`
	Slot      uint64          `json:"slot,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusChange records a connection state transition.
type StatusChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ErrorInfo carries a connection or protocol error message.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Event is the tagged union delivered to queues, broadcast subscribers, and sinks.
// Exactly one payload pointer is non-nil, selected by Kind.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Provider   Provider  `json:"provider"`
	Kind       EventKind `json:"kind"`
	ProducedAt time.Time `json:"produced_at"`

	Price    *PriceUpdate    `json:"price,omitempty"`
	Activity *ActivityUpdate `json:"activity,omitempty"`
	Status   *StatusChange   `json:"status,omitempty"`
	Err      *ErrorInfo      `json:"error,omitempty"`
}

func newEvent(p Provider, kind EventKind) Event {
	return Event{
		ID:         uuid.New(),
		Provider:   p,
		Kind:       kind,
		ProducedAt: time.Now().UTC(),
	}
}

// NewPriceEvent wraps a PriceUpdate.
func NewPriceEvent(p Provider, u PriceUpdate) Event {
	ev := newEvent(p, KindPrice)
	ev.Price = &u
	return ev
}

// NewActivityEvent wraps an ActivityUpdate.
func NewActivityEvent(p Provider, u ActivityUpdate) Event {
	ev := newEvent(p, KindActivity)
	ev.Activity = &u
	return ev
}

// NewStatusEvent wraps a state transition.
func NewStatusEvent(p Provider, from, to State, reason string) Event {
	ev := newEvent(p, KindStatus)
	ev.Status = &StatusChange{From: from, To: to, Reason: reason}
	return ev
}

// NewErrorEvent wraps an error message.
func NewErrorEvent(p Provider, msg string) Event {
	ev := newEvent(p, KindError)
	ev.Err = &ErrorInfo{Message: msg}
	return ev
}

// Clone returns a deep copy so that the copy and the original share no payload.
func (e Event) Clone() Event {
	c := e
	if e.Price != nil {
		p := *e.Price
		c.Price = &p
	}
	if e.Activity != nil {
		a := *e.Activity
		c.Activity = &a
	}
	if e.Status != nil {
		s := *e.Status
		c.Status = &s
	}
	if e.Err != nil {
		er := *e.Err
		c.Err = &er
	}
	return c
}

// Key returns the symbol or address the event is about, or "" for
// status and error events.
func (e Event) Key() string {
	switch {
	case e.Price != nil:
		return e.Price.Symbol
	case e.Activity != nil:
		return e.Activity.Address
	}
	return ""
}

// SourceTime returns the upstream timestamp of a data event, if it has one.
func (e Event) SourceTime() (time.Time, bool) {
	switch {
	case e.Price != nil && !e.Price.Timestamp.IsZero():
		return e.Price.Timestamp, true
	case e.Activity != nil && !e.Activity.Timestamp.IsZero():
		return e.Activity.Timestamp, true
	}
	return time.Time{}, false
}
