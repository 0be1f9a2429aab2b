package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/streamkeeper/internal/model"
)

// Schema creates the archive table.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	id          UUID PRIMARY KEY,
	provider    TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	key         TEXT        NOT NULL DEFAULT '',
	produced_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_events_provider_produced_at
	ON stream_events (provider, produced_at);
`

const insertEvent = `
	INSERT INTO stream_events (id, provider, kind, key, produced_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
`

// Drainer is the pull side of the connection manager.
type Drainer interface {
	Providers() []model.Provider
	DrainQueue(p model.Provider) ([]model.Event, error)
}

// DB is the subset of *pgxpool.Pool used by Archiver.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ArchiverConfig contains configuration for the archiver.
type ArchiverConfig struct {
	// BatchSize is the maximum number of rows per pgx.Batch.
	BatchSize int

	// FlushInterval is the time between queue drains.
	FlushInterval time.Duration
}

// DefaultArchiverConfig returns sensible defaults.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// ArchiverMetrics holds metrics for the archiver.
type ArchiverMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

type eventRow struct {
	ID         string
	Provider   string
	Kind       string
	Key        string
	ProducedAt time.Time
	Payload    []byte
}

// Archiver periodically drains every provider queue and writes the events
// to the stream_events table.
type Archiver struct {
	cfg    ArchiverConfig
	src    Drainer
	db     DB
	logger *slog.Logger

	mu      sync.Mutex
	metrics ArchiverMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates a new Archiver.
func NewArchiver(cfg ArchiverConfig, src Drainer, db DB, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultArchiverConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Archiver{
		cfg:    cfg,
		src:    src,
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the archive table if it does not exist.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create stream_events: %w", err)
	}
	return nil
}

// Start begins draining on every flush interval.
func (a *Archiver) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.flushLoop()

	a.logger.Info("archiver started",
		"batch_size", a.cfg.BatchSize,
		"flush_interval", a.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the flush loop and performs a final flush.
func (a *Archiver) Stop(ctx context.Context) error {
	a.logger.Info("stopping archiver")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("archiver stop timed out")
		return ctx.Err()
	}

	a.Flush(ctx)
	a.logger.Info("archiver stopped")
	return nil
}

// Stats returns current metrics.
func (a *Archiver) Stats() ArchiverMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.Flush(a.ctx)
		}
	}
}

// Flush drains every provider and inserts what it got. Events from a
// failed batch are lost; the failure is logged and counted.
func (a *Archiver) Flush(ctx context.Context) {
	var rows []eventRow
	for _, p := range a.src.Providers() {
		events, err := a.src.DrainQueue(p)
		if err != nil {
			a.logger.Error("drain queue", "provider", p, "error", err)
			continue
		}
		for _, ev := range events {
			row, err := transform(ev)
			if err != nil {
				a.logger.Warn("skip event", "id", ev.ID, "error", err)
				continue
			}
			rows = append(rows, row)
		}
	}

	for start := 0; start < len(rows); start += a.cfg.BatchSize {
		end := min(start+a.cfg.BatchSize, len(rows))
		a.write(ctx, rows[start:end])
	}
}

func (a *Archiver) write(ctx context.Context, rows []eventRow) {
	start := time.Now()

	conflicts, err := a.batchInsert(ctx, rows)
	if err != nil {
		a.logger.Error("batch insert failed", "error", err, "count", len(rows))
		a.mu.Lock()
		a.metrics.Errors++
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.metrics.Inserts += int64(len(rows) - conflicts)
	a.metrics.Conflicts += int64(conflicts)
	a.metrics.Flushes++
	a.mu.Unlock()

	a.logger.Debug("archived events",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// transform converts an event to a row; the payload is the full event JSON.
func transform(ev model.Event) (eventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		ID:         ev.ID.String(),
		Provider:   string(ev.Provider),
		Kind:       string(ev.Kind),
		Key:        ev.Key(),
		ProducedAt: ev.ProducedAt,
		Payload:    payload,
	}, nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (a *Archiver) batchInsert(ctx context.Context, rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.ID, r.Provider, r.Kind, r.Key, r.ProducedAt, r.Payload)
	}

	results := a.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
