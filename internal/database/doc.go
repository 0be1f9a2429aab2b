// Package database provides connection pool management for the event
// archive (PostgreSQL or TimescaleDB).
package database
