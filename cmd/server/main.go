package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solboard/service/config"
	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/metrics"
	natspkg "github.com/brojonat/solboard/service/nats"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/rates"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/retry"
	"github.com/brojonat/solboard/service/server"
	"github.com/brojonat/solboard/service/solana"
	"github.com/brojonat/solboard/service/watcher"
	"github.com/brojonat/solboard/service/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx, dbPool); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	m := metrics.NewMetrics(nil) // nil uses default registry
	store := db.NewStore(dbPool, m)

	// Initialize the ledger gateway against one of the configured endpoints.
	// Note: For premium RPC endpoints, include API key in the URL
	rpcURL, err := solana.SelectRandomEndpoint(cfg.RPCEndpoints())
	if err != nil {
		logger.Error("no usable RPC endpoint", "error", err)
		os.Exit(1)
	}
	ledger := solana.NewClient(solana.NewRPCClient(rpcURL), solana.EndpointLabel(rpcURL), m, logger, solana.ClientOptions{
		Timeout:                 cfg.RPCTimeout,
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
	})
	logger.Info("initialized solana RPC client", "endpoint", solana.EndpointLabel(rpcURL))

	oracle := rates.NewCoinGeckoOracle(cfg.PriceOracleURL, &http.Client{Timeout: cfg.OracleTimeout})
	rateCache := rates.NewCache(oracle, rates.Options{
		TTL:      cfg.RateTTL,
		Fallback: cfg.RateFallbackUSD,
		Timeout:  cfg.OracleTimeout,
	}, m, logger)

	engine := reconcile.New(ledger, store, rateCache, reconcile.Options{
		FetchMultiplier:  cfg.FetchMultiplier,
		FetchConcurrency: cfg.FetchConcurrency,
		StoreTimeout:     cfg.StoreTimeout,
		Classify:         solana.ClassifyOptions{MaxAmount: solana.Lamports(cfg.MaxPaymentLamports())},
	}, m, logger)

	// Fan-out: browser sessions always, NATS and webhooks when configured.
	hub := pubsub.NewHub(pubsub.HubOptions{}, m, logger)
	publishers := []pubsub.Publisher{hub}

	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publishers = append(publishers, natsPublisher)
	} else {
		logger.Warn("NATS_URL not set, event bridge disabled")
	}

	if len(cfg.WebhookURLs) > 0 {
		sender := webhook.NewSender(webhook.Options{
			URLs: cfg.WebhookURLs,
			Policy: retry.Policy{
				MaxAttempts: cfg.WebhookMaxAttempts,
				BaseDelay:   time.Second,
				MaxDelay:    time.Minute,
				Jitter:      0.2,
			},
		}, m, logger)
		defer sender.Close()
		publishers = append(publishers, sender)
		logger.Info("webhook delivery enabled", "urls", len(cfg.WebhookURLs))
	}

	var subscriber *solana.Subscriber
	if cfg.SolanaWSURL != "" {
		subscriber = solana.NewSubscriber(solana.NewWSDialer(cfg.SolanaWSURL), retry.Policy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    time.Minute,
			Jitter:      0.2,
		}, m, logger)
		logger.Info("account subscriptions enabled", "ws_url", solana.EndpointLabel(cfg.SolanaWSURL))
	}

	w := watcher.New(watcher.Config{
		Interval:   cfg.PollInterval,
		PageSize:   cfg.PageSize,
		Reconciler: engine,
		Balances:   ledger,
		Summaries:  store,
		Rates:      rateCache,
		Publisher:  pubsub.NewFanout(logger, publishers...),
		Subscriber: subscriber,
		Metrics:    m,
		Logger:     logger,
	})

	deps := server.Deps{
		Transactions: engine,
		Wallets:      store,
		Watcher:      w,
		Balances:     ledger,
		Rates:        rateCache,
		Hub:          hub,
		Database:     store,
	}
	if subscriber != nil {
		deps.Subscriptions = subscriber
	}
	httpServer := server.New(cfg.ServerAddr, deps, m, logger)

	w.Start(ctx)
	if err := httpServer.RestoreWatched(ctx); err != nil {
		logger.Error("failed to restore watched wallets", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"poll_interval", cfg.PollInterval,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		w.Shutdown()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		w.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
