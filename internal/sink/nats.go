package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/streamkeeper/internal/model"
)

// Publisher is the subset of *nats.Conn used by NATSPublisher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "streamkeeper",
		SubjectPrefix:  "streams",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

// DialNATS connects to NATS and logs connection state changes. The client
// keeps reconnecting in the background, so publishing never blocks on a
// broken server.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSPublisher publishes every event as JSON.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	published atomic.Int64
	errors    atomic.Int64
}

// NewNATSPublisher creates a publisher. An empty prefix uses "streams".
func NewNATSPublisher(pub Publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "streams"
	}
	return &NATSPublisher{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Subject returns the subject ev is published on.
func Subject(prefix string, ev model.Event) string {
	return prefix + "." + string(ev.Provider) + "." + string(ev.Kind)
}

// HandleEvent implements connection.Sink.
func (p *NATSPublisher) HandleEvent(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.errors.Add(1)
		p.logger.Error("marshal event", "error", err, "kind", ev.Kind)
		return
	}

	subject := Subject(p.prefix, ev)
	if err := p.pub.Publish(subject, data); err != nil {
		p.errors.Add(1)
		p.logger.Warn("nats publish failed", "subject", subject, "error", err)
		return
	}
	p.published.Add(1)
}

// Stats returns the published and failed counts.
func (p *NATSPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.errors.Load()
}
