package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/solana"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TransactionLister serves the merged transaction view.
type TransactionLister interface {
	ReconcileAndList(ctx context.Context, address string, page reconcile.Page) (*reconcile.Result, error)
}

// WalletStore persists watched addresses.
type WalletStore interface {
	UpsertWallet(ctx context.Context, address string, displayName *string) (*db.Wallet, error)
	DeactivateWallet(ctx context.Context, address string) (*db.Wallet, error)
	ListWallets(ctx context.Context, activeOnly bool) ([]*db.Wallet, error)
}

// WatchControl starts and stops change detection for an address.
type WatchControl interface {
	StartWatching(address string)
	StopWatching(address string)
	Watched() []string
}

// BalanceReader reads the current ledger balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, address string) (solana.Lamports, error)
}

// RateReader serves exchange rates.
type RateReader interface {
	Base() string
	GetRate(ctx context.Context, quote string) float64
}

// SubscriptionStates reports live ledger subscription health.
type SubscriptionStates interface {
	States() map[string]solana.SubscriptionState
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer needs. Subscriptions and
// Database are optional and only feed /health.
type Deps struct {
	Transactions  TransactionLister
	Wallets       WalletStore
	Watcher       WatchControl
	Balances      BalanceReader
	Rates         RateReader
	Hub           *pubsub.Hub
	Subscriptions SubscriptionStates
	Database      Pinger
}

// Server represents the HTTP server for the dashboard API.
type Server struct {
	addr     string
	deps     Deps
	sessions *sessions
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server

	keepalive time.Duration
}

// New creates a new HTTP server. It registers itself as the hub observer so
// that a session joining an address topic starts watching that address.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		deps:      deps,
		sessions:  newSessions(deps.Watcher, deps.Hub),
		metrics:   m,
		logger:    logger,
		keepalive: 15 * time.Second,
	}
	if deps.Hub != nil {
		deps.Hub.SetObserver(s.sessions)
	}
	return s
}

// RestoreWatched resumes watching every active wallet in the store.
func (s *Server) RestoreWatched(ctx context.Context) error {
	wallets, err := s.deps.Wallets.ListWallets(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list active wallets: %w", err)
	}
	for _, w := range wallets {
		s.sessions.pin(w.Address)
	}
	s.logger.Info("restored watched wallets", "count", len(wallets))
	return nil
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/wallets", "list_wallets", handleListWallets(s.deps.Wallets, s.logger))
	route("POST /api/v1/wallets", "watch_wallet", handleWatchWallet(s.deps.Wallets, s.sessions, s.logger))
	route("DELETE /api/v1/wallets/{address}", "unwatch_wallet", handleUnwatchWallet(s.deps.Wallets, s.sessions, s.logger))
	route("GET /api/v1/wallets/{address}/transactions", "list_transactions", handleListTransactions(s.deps.Transactions, s.logger))
	route("GET /api/v1/wallets/{address}/balance", "get_balance", handleGetBalance(s.deps.Balances, s.deps.Rates, s.logger))
	route("GET /api/v1/rates/{quote}", "get_rate", handleGetRate(s.deps.Rates))

	if s.deps.Hub != nil {
		route("GET /api/v1/stream/{address}", "stream", handleStream(s.deps.Hub, s.keepalive, s.metrics, s.logger))
		route("GET /api/v1/stream", "stream", handleStream(s.deps.Hub, s.keepalive, s.metrics, s.logger))
		route("GET /api/v1/ws", "websocket", handleWebSocket(s.deps.Hub, s.keepalive, s.metrics, s.logger))
	} else {
		s.logger.Warn("no hub configured, streaming endpoints disabled")
	}

	mux.Handle("GET /health", handleHealth(s.deps.Database, s.deps.Subscriptions, s.deps.Watcher))
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: streaming responses stay open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server. Streaming sessions end
// when the hub is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
