package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/watcher"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// SummaryInput configures one run of the summary workflow.
type SummaryInput struct {
	PageSize        int `json:"page_size"`
	LeaderboardSize int `json:"leaderboard_size"`
}

// SummaryResult reports what a summary run did.
type SummaryResult struct {
	Wallets   int       `json:"wallets"`
	Ingested  int       `json:"ingested"`
	Failed    []string  `json:"failed,omitempty"`
	Published int       `json:"published"`
	RunTime   time.Time `json:"run_time"`
}

// ListActiveWalletsResult holds the addresses to summarize.
type ListActiveWalletsResult struct {
	Addresses []string `json:"addresses"`
}

// ReconcileWalletInput contains parameters for the ReconcileWallet activity.
type ReconcileWalletInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// ReconcileWalletResult contains the result of reconciling one wallet.
type ReconcileWalletResult struct {
	Address  string `json:"address"`
	Records  int    `json:"records"`
	Ingested int    `json:"ingested"`
	Newest   string `json:"newest,omitempty"`
}

// PublishSummaryInput contains parameters for the PublishSummary activity.
type PublishSummaryInput struct {
	Addresses       []string `json:"addresses"`
	LeaderboardSize int      `json:"leaderboard_size"`
}

// PublishSummaryResult counts the events published.
type PublishSummaryResult struct {
	Published int `json:"published"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	ListActiveWallets(ctx context.Context) ([]*db.Wallet, error)
	GetEarnings(ctx context.Context, address string) (*db.Earnings, error)
	Leaderboard(ctx context.Context, limit int32) ([]*db.LeaderboardEntry, error)
}

// ReconcilerInterface runs one reconcile of an address.
type ReconcilerInterface interface {
	Reconcile(ctx context.Context, address string, page reconcile.Page) (*reconcile.Result, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	store      StoreInterface
	reconciler ReconcilerInterface
	publisher  pubsub.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// The publisher may be nil, in which case summaries are computed but not
// published.
func NewActivities(store StoreInterface, reconciler ReconcilerInterface, publisher pubsub.Publisher, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:      store,
		reconciler: reconciler,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
	}
}

// ListActiveWallets returns every registered, active wallet address.
func (a *Activities) ListActiveWallets(ctx context.Context) (_ *ListActiveWalletsResult, err error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivity("ListActiveWallets", time.Since(start).Seconds(), err) }()

	wallets, err := a.store.ListActiveWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active wallets: %w", err)
	}
	out := &ListActiveWalletsResult{Addresses: make([]string, len(wallets))}
	for i, w := range wallets {
		out.Addresses[i] = w.Address
	}
	a.logger.DebugContext(ctx, "listed active wallets", "count", len(out.Addresses))
	return out, nil
}

// ReconcileWallet reconciles the newest page of one wallet, persisting any
// payments the store is missing.
func (a *Activities) ReconcileWallet(ctx context.Context, input ReconcileWalletInput) (_ *ReconcileWalletResult, err error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivity("ReconcileWallet", time.Since(start).Seconds(), err) }()

	limit := input.Limit
	if limit <= 0 {
		limit = reconcile.DefaultPageSize
	}

	res, err := a.reconciler.Reconcile(ctx, input.Address, reconcile.Page{Limit: limit})
	if err != nil {
		var rerr *reconcile.ReconcileError
		if errors.As(err, &rerr) {
			// Both kinds are transient; let Temporal retry.
			return nil, fmt.Errorf("reconcile %s: %w", input.Address, err)
		}
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("reconcile %s failed", input.Address), "ReconcileFailed", err)
	}

	a.logger.InfoContext(ctx, "reconciled wallet",
		"address", input.Address,
		"records", len(res.Records),
		"ingested", len(res.Ingested),
	)
	return &ReconcileWalletResult{
		Address:  input.Address,
		Records:  len(res.Records),
		Ingested: len(res.Ingested),
		Newest:   res.Newest(),
	}, nil
}

// PublishSummary publishes per-wallet earnings and the global leaderboard.
func (a *Activities) PublishSummary(ctx context.Context, input PublishSummaryInput) (_ *PublishSummaryResult, err error) {
	start := time.Now()
	defer func() { a.metrics.RecordActivity("PublishSummary", time.Since(start).Seconds(), err) }()

	out := &PublishSummaryResult{}
	publish := func(topic pubsub.Topic, eventType string, payload any) error {
		if a.publisher == nil {
			return nil
		}
		if err := a.publisher.Publish(ctx, topic, eventType, payload); err != nil {
			return fmt.Errorf("failed to publish %s to %s: %w", eventType, topic, err)
		}
		out.Published++
		return nil
	}

	for _, addr := range input.Addresses {
		earnings, err := a.store.GetEarnings(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to get earnings for %s: %w", addr, err)
		}
		if err := publish(pubsub.AddressTopic(addr), pubsub.EventEarnings, watcher.EarningsPayload(earnings)); err != nil {
			return nil, err
		}
	}

	size := input.LeaderboardSize
	if size <= 0 {
		size = 10
	}
	entries, err := a.store.Leaderboard(ctx, int32(size))
	if err != nil {
		return nil, fmt.Errorf("failed to get leaderboard: %w", err)
	}
	if err := publish(pubsub.GlobalTopic, pubsub.EventLeaderboard, watcher.LeaderboardPayload(entries)); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "published summary",
		"wallets", len(input.Addresses),
		"published", out.Published,
	)
	return out, nil
}
