package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	closeGrace       = time.Second
)

// Client represents a single WebSocket connection to an upstream feed.
//
// Transport liveness is enforced with a read deadline that every frame,
// ping and pong extends; a silent socket surfaces as ErrReadTimeout on
// Errors. Deciding whether a live socket is delivering enough data is left
// to the connection manager's heartbeat.
type Client interface {
	// Connect dials the feed and starts the read and ping loops.
	Connect(ctx context.Context) error

	// Close sends a close frame and tears the socket down.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns inbound frames, each stamped with its read time.
	Messages() <-chan TimestampedMessage

	// Errors returns at most one terminal read error.
	Errors() <-chan error

	// IsConnected reports whether the socket is open.
	IsConnected() bool
}

type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	inbound chan TimestampedMessage
	failed  chan error
	closing chan struct{}

	writeMu sync.Mutex // gorilla permits one writer at a time

	mu     sync.RWMutex
	ws     *websocket.Conn
	open   bool
	closed bool
}

// NewClient creates a Client. Zero config fields take their defaults.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &wsClient{
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan TimestampedMessage, cfg.BufferSize),
		failed:  make(chan error, 1),
		closing: make(chan struct{}),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return err
	}

	c.extendReadDeadline(ws)
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline(ws)
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.extendReadDeadline(ws)
		err := c.writeControl(ws, websocket.PongMessage, []byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.pingLoop(ws)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

func (c *wsClient) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return h
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	ws := c.ws
	c.mu.Unlock()

	close(c.closing)
	if ws == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.writeControl(ws, websocket.CloseMessage, msg); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
	}
	return ws.Close()
}

func (c *wsClient) Send(data []byte) error {
	c.mu.RLock()
	ws, open := c.ws, c.open
	c.mu.RUnlock()
	if !open {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.inbound }

func (c *wsClient) Errors() <-chan error { return c.failed }

func (c *wsClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

func (c *wsClient) writeControl(ws *websocket.Conn, kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteControl(kind, data, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *wsClient) extendReadDeadline(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
}

// readLoop forwards frames until the socket fails or Close is called.
func (c *wsClient) readLoop(ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.fail(classifyReadError(err))
			}
			return
		}
		c.extendReadDeadline(ws)

		select {
		case c.inbound <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-c.closing:
			return
		default:
			c.logger.Warn("inbound buffer full, dropping frame", "bytes", len(data))
		}
	}
}

// pingLoop keeps the server answering with pongs, which extend the read
// deadline. A failed ping is left for the deadline to catch.
func (c *wsClient) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			if err := c.writeControl(ws, websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func (c *wsClient) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func classifyReadError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	return err
}
