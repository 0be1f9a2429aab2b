// Package model defines the data types shared by the stream manager, its
// providers, and its sinks.
//
// Conventions:
//   - Prices, changes, volumes, and amounts: decimal.Decimal (never float64)
//   - Timestamps: time.Time in UTC
//   - IDs: uuid.UUID assigned to every produced Event
package model
