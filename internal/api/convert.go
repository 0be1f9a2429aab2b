package api

import (
	"time"

	"github.com/rickgao/streamkeeper/internal/model"
)

// ParseTimestamp parses an ISO 8601 timestamp into UTC.
// Returns the zero time for empty or invalid input.
func ParseTimestamp(iso string) time.Time {
	if iso == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		// Try without timezone
		t, err = time.Parse("2006-01-02T15:04:05", iso)
		if err != nil {
			return time.Time{}
		}
	}

	return t.UTC()
}

// ToQuote converts the API response to a model.PriceQuote. A missing
// update time is replaced by now.
func (r *PriceResponse) ToQuote() model.PriceQuote {
	ts := ParseTimestamp(r.UpdatedAt)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return model.PriceQuote{
		Symbol:    r.Symbol,
		Price:     r.Price,
		Change:    r.Change24h,
		Volume:    r.Volume24h,
		Timestamp: ts,
	}
}
