package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/model"
)

// Feed is a connection.Provider backed by one websocket per attempt.
type Feed struct {
	name   model.Provider
	cfg    ClientConfig
	logger *slog.Logger

	mu     sync.RWMutex
	client Client // live client, nil between attempts
}

// NewFeed creates a Feed for provider name.
func NewFeed(name model.Provider, cfg ClientConfig, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		name:   name,
		cfg:    cfg,
		logger: logger.With("provider", name),
	}
}

// Name implements connection.Provider.
func (f *Feed) Name() model.Provider {
	return f.name
}

// Start implements connection.Provider. It returns the read error that
// ended the stream, an upstream error frame, or ctx.Err().
func (f *Feed) Start(ctx context.Context, link connection.Link) error {
	client := NewClient(f.cfg, f.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer client.Close()

	f.setClient(client)
	defer f.setClient(nil)

	link.Connected()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Errors():
			return fmt.Errorf("read: %w", err)
		case msg := <-client.Messages():
			ev, ok, err := decodeFrame(f.name, msg.Data)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			link.Deliver(ev, len(msg.Data), msg.ReceivedAt)
		}
	}
}

// Send implements connection.Provider.
func (f *Feed) Send(ctx context.Context, cmd connection.Command) (int, error) {
	f.mu.RLock()
	client := f.client
	f.mu.RUnlock()

	if client == nil {
		return 0, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(outboundCommand{
		Op:      string(cmd.Action),
		Channel: string(cmd.Topic),
		Args:    cmd.Items,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}
	if err := client.Send(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (f *Feed) setClient(c Client) {
	f.mu.Lock()
	f.client = c
	f.mu.Unlock()
}

// decodeFrame maps one inbound frame to an Event. Malformed and unknown
// frames are skipped (ok=false); an error frame ends the stream.
func decodeFrame(p model.Provider, data []byte) (model.Event, bool, error) {
	var fr inboundFrame
	if err := json.Unmarshal(data, &fr); err != nil {
		return model.Event{}, false, nil
	}

	var ts time.Time
	if fr.TS > 0 {
		ts = time.UnixMilli(fr.TS).UTC()
	}

	switch fr.Type {
	case FramePrice:
		if fr.Symbol == "" {
			return model.Event{}, false, nil
		}
		return model.NewPriceEvent(p, model.PriceUpdate{
			Symbol:    fr.Symbol,
			Price:     fr.Price,
			Change:    fr.Change,
			Volume:    fr.Volume,
			Timestamp: ts,
		}), true, nil
	case FrameActivity:
		if fr.Address == "" {
			return model.Event{}, false, nil
		}
		return model.NewActivityEvent(p, model.ActivityUpdate{
			Address:   fr.Address,
			Signature: fr.Signature,
			Kind:      fr.Kind,
			Amount:    fr.Amount,
			Slot:      fr.Slot,
			Timestamp: ts,
		}), true, nil
	case FrameError:
		return model.Event{}, false, fmt.Errorf("upstream error: %s", fr.Message)
	}
	return model.Event{}, false, nil
}
