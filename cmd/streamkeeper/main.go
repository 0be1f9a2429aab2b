// streamkeeper keeps real-time provider streams alive, falls back to REST
// polling while a stream is down, and fans events out to the configured
// sinks.
//
// Usage: streamkeeper --config configs/streamkeeper.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/streamkeeper/internal/api"
	"github.com/rickgao/streamkeeper/internal/config"
	"github.com/rickgao/streamkeeper/internal/connection"
	"github.com/rickgao/streamkeeper/internal/database"
	"github.com/rickgao/streamkeeper/internal/metrics"
	"github.com/rickgao/streamkeeper/internal/model"
	"github.com/rickgao/streamkeeper/internal/sink"
	"github.com/rickgao/streamkeeper/internal/version"
	"github.com/rickgao/streamkeeper/internal/wsfeed"
)

func main() {
	configPath := flag.String("config", "configs/streamkeeper.example.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := cfg.Logging.NewLogger(os.Stdout).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting streamkeeper",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("streamkeeper failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streamkeeper stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		sinks    []connection.Sink
		checks   = make(map[string]pingFunc)
		stoppers []func(context.Context) error
	)

	// Stop everything started so far, newest first
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		for i := len(stoppers) - 1; i >= 0; i-- {
			if err := stoppers[i](shutdownCtx); err != nil {
				logger.Warn("shutdown step failed", "error", err)
			}
		}
	}
	defer shutdown()

	// NATS sink
	if cfg.Sinks.NATS.Enabled {
		nc, err := sink.DialNATS(cfg.Sinks.NATS.NATSConfig(cfg.Instance.ID), logger.With("component", "nats"))
		if err != nil {
			return err
		}
		stoppers = append(stoppers, func(context.Context) error { return nc.Drain() })
		sinks = append(sinks, sink.NewNATSPublisher(nc, cfg.Sinks.NATS.SubjectPrefix, logger.With("component", "nats")))
		logger.Info("nats sink enabled", "url", cfg.Sinks.NATS.URL, "prefix", cfg.Sinks.NATS.SubjectPrefix)
	}

	// Redis latest-price cache
	if cfg.Sinks.Redis.Enabled {
		rcfg := cfg.Sinks.Redis.RedisConfig()
		client, err := sink.NewRedisClient(ctx, rcfg)
		if err != nil {
			return err
		}
		stoppers = append(stoppers, func(context.Context) error { return client.Close() })
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		cache := sink.NewRedisCache(client, rcfg, logger.With("component", "redis"))
		if err := cache.Start(ctx); err != nil {
			return err
		}
		stoppers = append(stoppers, cache.Stop)
		sinks = append(sinks, cache)
	}

	// Stream manager
	providers, opts := buildProviders(cfg, logger)
	if len(sinks) > 0 {
		opts = append(opts, connection.WithSink(sink.NewMulti(logger, sinks...)))
	}
	mgr, err := connection.New(cfg.Stream.ManagerConfig(), providers, opts...)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	// Archive drains queues, so it is started after the manager and stopped
	// after it to pick up the final events.
	var archiver *sink.Archiver
	if cfg.Sinks.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Sinks.Archive.DB.Host,
			"port", cfg.Sinks.Archive.DB.Port,
			"database", cfg.Sinks.Archive.DB.Name,
		)
		pool, err := database.Connect(ctx, cfg.Sinks.Archive.DB)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		stoppers = append(stoppers, func(context.Context) error { pool.Close(); return nil })
		checks["archive"] = pool.Ping

		archiver = sink.NewArchiver(cfg.Sinks.Archive.ArchiverConfig(), mgr, pool, logger.With("component", "archiver"))
		if err := archiver.EnsureSchema(ctx); err != nil {
			return err
		}
		stoppers = append(stoppers, archiver.Stop)
	}

	// Seed the working set; it is sent on the first Connected
	subscribeInitial(mgr, cfg, logger)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	stoppers = append(stoppers, mgr.Stop)

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			return err
		}
	}

	// HTTP API
	var metricsHandler http.Handler
	if cfg.Metrics.Path != "" {
		metricsHandler = metrics.Handler(metrics.NewRegistry(mgr))
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           newHandler(mgr, checks, metricsHandler, cfg.Metrics.Path, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("streamkeeper running",
		"providers", mgr.Providers(),
		"status_url", fmt.Sprintf("http://localhost:%d/status", cfg.HTTP.Port),
	)

	return g.Wait()
}

// buildProviders creates a websocket feed for each enabled provider and
// the REST fallback for the price feed.
func buildProviders(cfg *config.Config, logger *slog.Logger) ([]connection.Provider, []connection.Option) {
	var providers []connection.Provider
	opts := []connection.Option{connection.WithLogger(logger)}

	if pc := cfg.Providers.PriceFeed; pc.Enabled {
		providers = append(providers, wsfeed.NewFeed(model.PriceFeed, pc.ClientConfig(), logger.With("provider", model.PriceFeed)))
		if pc.Fallback {
			client := api.NewClient(cfg.REST.BaseURL, cfg.REST.APIKey, cfg.REST.ClientOptions(logger.With("component", "rest"))...)
			opts = append(opts, connection.WithFallback(model.PriceFeed, client))
		}
	}
	if ac := cfg.Providers.ActivityFeed; ac.Enabled {
		providers = append(providers, wsfeed.NewFeed(model.ActivityFeed, ac.ClientConfig(), logger.With("provider", model.ActivityFeed)))
	}

	return providers, opts
}

func subscribeInitial(mgr *connection.Manager, cfg *config.Config, logger *slog.Logger) {
	if cfg.Providers.PriceFeed.Enabled && len(cfg.Subscriptions.Symbols) > 0 {
		if err := mgr.SubscribePrices(cfg.Subscriptions.Symbols); err != nil {
			logger.Error("subscribe prices", "error", err)
		}
	}
	if cfg.Providers.ActivityFeed.Enabled && len(cfg.Subscriptions.Addresses) > 0 {
		if err := mgr.SubscribeAddresses(cfg.Subscriptions.Addresses); err != nil {
			logger.Error("subscribe addresses", "error", err)
		}
	}
}
