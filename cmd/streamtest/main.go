// streamtest runs the stream manager from a config file and prints every
// broadcast event to the console.
// Usage: go run ./cmd/streamtest --config configs/streamkeeper.example.yaml --symbols SOL,BTC
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/streamkeeper/internal/api"
	"github.com/rickgao/streamkeeper/internal/config"
	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/wsfeed"
)

func main() {
	configPath := flag.String("config", "configs/streamkeeper.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	symbols := flag.String("symbols", "", "comma-separated symbols (overrides config)")
	addresses := flag.String("addresses", "", "comma-separated addresses (overrides config)")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *symbols != "" {
		cfg.Subscriptions.Symbols = strings.Split(*symbols, ",")
	}
	if *addresses != "" {
		cfg.Subscriptions.Addresses = strings.Split(*addresses, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var providers []connection.Provider
	opts := []connection.Option{connection.WithLogger(logger)}
	if pc := cfg.Providers.PriceFeed; pc.Enabled {
		providers = append(providers, wsfeed.NewFeed(model.PriceFeed, pc.ClientConfig(), logger))
		if pc.Fallback {
			client := api.NewClient(cfg.REST.BaseURL, cfg.REST.APIKey, cfg.REST.ClientOptions(logger)...)
			opts = append(opts, connection.WithFallback(model.PriceFeed, client))
		}
	}
	if ac := cfg.Providers.ActivityFeed; ac.Enabled {
		providers = append(providers, wsfeed.NewFeed(model.ActivityFeed, ac.ClientConfig(), logger))
	}

	mgr, err := connection.New(cfg.Stream.ManagerConfig(), providers, opts...)
	if err != nil {
		logger.Error("failed to create manager", "error", err)
		os.Exit(1)
	}

	events, unsubscribe := mgr.Subscribe(0)
	defer unsubscribe()

	if cfg.Providers.PriceFeed.Enabled && len(cfg.Subscriptions.Symbols) > 0 {
		mgr.SubscribePrices(cfg.Subscriptions.Symbols)
	}
	if cfg.Providers.ActivityFeed.Enabled && len(cfg.Subscriptions.Addresses) > 0 {
		mgr.SubscribeAddresses(cfg.Subscriptions.Addresses)
	}

	logger.Info("starting stream manager", "providers", len(providers))
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, st := range mgr.Status() {
					logger.Info("stats",
						"provider", st.Provider,
						"state", st.State,
						"received", st.Statistics.MessagesReceived,
						"reconnects", st.Statistics.ReconnectCount,
						"dropped", st.Statistics.DroppedMessages,
						"fallback_polls", st.Statistics.FallbackPolls,
						"avg_latency_ms", st.Statistics.AvgLatencyMs,
					)
				}
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			logger.Info("shutting down...")
			mgr.Stop(shutdownCtx)
			cancel()
			logger.Info("shutdown complete")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			printEvent(ev, *verbose)
		}
	}
}

func printEvent(ev model.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[%s] %s\n", strings.ToUpper(string(ev.Kind)), data)
		return
	}

	switch {
	case ev.Price != nil:
		p := ev.Price
		fmt.Printf("[PRICE] provider=%s symbol=%s price=%s change=%s snapshot=%t\n",
			ev.Provider, p.Symbol, p.Price, p.Change, p.IsSnapshot)
	case ev.Activity != nil:
		a := ev.Activity
		fmt.Printf("[ACTIVITY] provider=%s address=%s kind=%s amount=%s sig=%s\n",
			ev.Provider, a.Address, a.Kind, a.Amount, a.Signature)
	case ev.Status != nil:
		s := ev.Status
		fmt.Printf("[STATUS] provider=%s %s -> %s reason=%q\n", ev.Provider, s.From, s.To, s.Reason)
	case ev.Err != nil:
		fmt.Printf("[ERROR] provider=%s %s\n", ev.Provider, ev.Err.Message)
	}
}
