// Package reconcile merges ledger activity for an address with the
// persisted transaction record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/solana"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Ledger is the subset of the gateway the engine reads from.
type Ledger interface {
	GetSignatures(ctx context.Context, address string, limit int, before string) ([]solana.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*solana.RawTransaction, error)
}

// Store is the subset of the store the engine reads and writes.
type Store interface {
	EnsureWallet(ctx context.Context, address string) (*db.Wallet, error)
	InsertTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error)
	FindTransactionBySignature(ctx context.Context, signature string) (*db.Transaction, error)
	ListTransactionsByAddress(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error)
}

// Rates supplies the USD snapshot stored with new payments.
type Rates interface {
	GetRate(ctx context.Context, quote string) float64
}

// Options tune an Engine. Zero values take the defaults.
type Options struct {
	FetchMultiplier  int
	FetchConcurrency int
	StoreTimeout     time.Duration
	Classify         solana.ClassifyOptions
	// IngestOutbound also persists payments sent by the address.
	IngestOutbound bool
	Quote          string
	// LastKnownTTL bounds how long a successful view is kept for failures.
	LastKnownTTL time.Duration
	// MaxLastKnown caps the number of remembered views.
	MaxLastKnown int
}

const (
	DefaultPageSize         = 10
	MaxPageSize             = 1000
	DefaultFetchMultiplier  = 5
	DefaultFetchConcurrency = 4
	defaultStoreTimeout     = 5 * time.Second
	defaultLastKnownTTL     = time.Hour
	defaultMaxLastKnown     = 1024
)

// Page selects a window of the merged view. Before is an exclusive signature
// cursor; Limit <= 0 means DefaultPageSize.
type Page struct {
	Before string
	Limit  int
}

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	}
	return p.Limit
}

// Engine runs fetch, classify, dedupe, persist and merge for one address
// at a time. It is safe for concurrent use.
type Engine struct {
	ledger Ledger
	store  Store
	rates  Rates
	opts   Options

	lastKnown *gocache.Cache
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an Engine.
func New(ledger Ledger, store Store, rates Rates, opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchMultiplier <= 0 {
		opts.FetchMultiplier = DefaultFetchMultiplier
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Quote == "" {
		opts.Quote = "USD"
	}
	if opts.LastKnownTTL <= 0 {
		opts.LastKnownTTL = defaultLastKnownTTL
	}
	if opts.MaxLastKnown <= 0 {
		opts.MaxLastKnown = defaultMaxLastKnown
	}
	return &Engine{
		ledger:    ledger,
		store:     store,
		rates:     rates,
		opts:      opts,
		lastKnown: gocache.New(opts.LastKnownTTL, opts.LastKnownTTL/6),
		logger:    logger.With("component", "reconcile"),
		metrics:   m,
	}
}

// Reconcile returns the merged view of address for page, persisting any
// payment found on the ledger that the store does not have yet.
//
// A failed signature listing or store read fails the whole call with a
// *ReconcileError. A failed body fetch only drops that transaction.
func (e *Engine) Reconcile(ctx context.Context, address string, page Page) (_ *Result, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordReconcile(status, time.Since(start).Seconds())
	}()

	limit := page.limit()
	window := limit * e.opts.FetchMultiplier

	sigs, err := e.ledger.GetSignatures(ctx, address, window, page.Before)
	if err != nil {
		return nil, ledgerErr(address, fmt.Errorf("list signatures: %w", err))
	}

	payments, err := e.classify(ctx, address, sigs)
	if err != nil {
		return nil, ledgerErr(address, err)
	}

	persisted, err := e.loadPersisted(ctx, address, page.Before, window, sigs)
	if err != nil {
		return nil, storeErr(address, err)
	}

	bySig := make(map[string]Record, len(persisted)+len(payments))
	for _, t := range persisted {
		bySig[t.Signature] = recordFromTransaction(t, address)
	}

	var fresh []*solana.Payment
	for _, p := range payments {
		if _, ok := bySig[p.Signature]; ok {
			continue
		}
		fresh = append(fresh, p)
	}
	if skipped := len(payments) - len(fresh); skipped > 0 {
		e.metrics.RecordTransactionsSkipped("duplicate", skipped)
	}

	var (
		ingested []string
		added    []Record
	)
	if len(fresh) > 0 {
		records, written, err := e.persist(ctx, address, fresh)
		if err != nil {
			return nil, storeErr(address, err)
		}
		wrote := make(map[string]struct{}, len(written))
		for _, sig := range written {
			wrote[sig] = struct{}{}
		}
		for _, r := range records {
			bySig[r.Signature] = r
			if _, ok := wrote[r.Signature]; ok {
				added = append(added, r)
			}
		}
		sortRecords(added)
		ingested = written
	}

	merged := make([]Record, 0, len(bySig))
	for _, r := range bySig {
		merged = append(merged, r)
	}
	sortRecords(merged)

	result := &Result{
		Address:  address,
		Ingested: ingested,
		Fresh:    added,
		Pagination: Pagination{
			Limit:   limit,
			HasMore: len(merged) > limit || len(sigs) >= window,
		},
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	result.Records = merged
	if result.Pagination.HasMore && len(merged) > 0 {
		result.Pagination.NextBefore = merged[len(merged)-1].Signature
	}

	e.logger.DebugContext(ctx, "reconciled",
		"address", address,
		"signatures", len(sigs),
		"payments", len(payments),
		"persisted", len(persisted),
		"ingested", len(ingested),
		"returned", len(merged),
	)
	return result, nil
}

// ReconcileAndList is Reconcile for presentation callers. The last
// successful view of each page is remembered for LastKnownTTL and attached
// to the *ReconcileError of a later failure. At most MaxLastKnown views are
// kept; new pages are not remembered while the cache is full.
func (e *Engine) ReconcileAndList(ctx context.Context, address string, page Page) (*Result, error) {
	key := address + "|" + page.Before
	result, err := e.Reconcile(ctx, address, page)
	if err == nil {
		e.remember(key, result)
		return result, nil
	}

	var rerr *ReconcileError
	if !errors.As(err, &rerr) {
		rerr = ledgerErr(address, err)
	}
	if cached, ok := e.lastKnown.Get(key); ok {
		rerr.LastKnown = cached.(*Result)
		e.metrics.RecordStaleServed()
	}
	e.logger.WarnContext(ctx, "reconcile failed",
		"address", address,
		"kind", rerr.Kind,
		"has_last_known", rerr.LastKnown != nil,
		"error", rerr.Err,
	)
	return nil, rerr
}

func (e *Engine) remember(key string, result *Result) {
	if _, ok := e.lastKnown.Get(key); !ok && e.lastKnown.ItemCount() >= e.opts.MaxLastKnown {
		return
	}
	e.lastKnown.SetDefault(key, result)
}

// classify fetches bodies concurrently and keeps the ones that classify as a
// payment this engine ingests. Input order is preserved.
func (e *Engine) classify(ctx context.Context, address string, sigs []solana.SignatureInfo) ([]*solana.Payment, error) {
	results := make([]*solana.Payment, len(sigs))

	var g errgroup.Group
	g.SetLimit(e.opts.FetchConcurrency)
	for i, sig := range sigs {
		if sig.Failed {
			e.metrics.RecordClassified("failed")
			continue
		}
		g.Go(func() error {
			tx, err := e.ledger.GetTransaction(ctx, sig.Signature)
			if err != nil {
				e.logger.WarnContext(ctx, "skipping transaction",
					"address", address,
					"signature", sig.Signature,
					"error", err,
				)
				e.metrics.RecordTransactionsSkipped("fetch_error", 1)
				return nil
			}
			p, ok := solana.Classify(tx, address, e.opts.Classify)
			if !ok || (p.Direction == solana.DirectionOut && !e.opts.IngestOutbound) {
				e.metrics.RecordClassified("not_payment")
				return nil
			}
			e.metrics.RecordClassified("payment")
			results[i] = p
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}

	payments := make([]*solana.Payment, 0, len(results))
	for _, p := range results {
		if p != nil {
			payments = append(payments, p)
		}
	}
	return payments, nil
}

// loadPersisted reads the stored page matching the ledger window. With a
// cursor the store page starts after the cursor's stored position; an
// unknown cursor limits the stored view to signatures in the ledger window.
func (e *Engine) loadPersisted(ctx context.Context, address, before string, window int, sigs []solana.SignatureInfo) ([]*db.Transaction, error) {
	params := db.ListTransactionsParams{Address: address, Limit: int32(window)}
	restrict := false
	if before != "" {
		cursor, err := e.findStored(ctx, before)
		switch {
		case err == nil && cursor.BlockTime != nil:
			params.BeforeTime = cursor.BlockTime
			params.BeforeSlot = cursor.Slot
			params.BeforeSignature = cursor.Signature
		case err == nil || errors.Is(err, db.ErrNotFound):
			restrict = true
		default:
			return nil, fmt.Errorf("find cursor: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	txns, err := e.store.ListTransactionsByAddress(sctx, params)
	if err != nil {
		return nil, fmt.Errorf("list persisted: %w", err)
	}
	if !restrict {
		return txns, nil
	}

	inWindow := make(map[string]struct{}, len(sigs))
	for _, s := range sigs {
		inWindow[s.Signature] = struct{}{}
	}
	kept := txns[:0]
	for _, t := range txns {
		if _, ok := inWindow[t.Signature]; ok {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

func (e *Engine) findStored(ctx context.Context, signature string) (*db.Transaction, error) {
	sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return e.store.FindTransactionBySignature(sctx, signature)
}

// persist writes new payments as CONFIRMED. A duplicate insert means another
// reconcile got there first; the stored row is used instead. Other write
// failures keep the payment in the view unpersisted so the next call retries.
func (e *Engine) persist(ctx context.Context, address string, payments []*solana.Payment) ([]Record, []string, error) {
	sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	wallet, err := e.store.EnsureWallet(sctx, address)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("ensure wallet: %w", err)
	}

	rate := e.rates.GetRate(ctx, e.opts.Quote)

	var (
		records  = make([]Record, 0, len(payments))
		ingested []string
	)
	for _, p := range payments {
		usd := decimal.NullDecimal{}
		if rate > 0 {
			usd = decimal.NewNullDecimal(p.Amount.USD(rate))
		}

		sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		t, err := e.store.InsertTransaction(sctx, db.CreateTransactionParams{
			Signature: p.Signature,
			WalletID:  wallet.ID,
			Sender:    p.Sender,
			Receiver:  p.Receiver,
			Amount:    int64(p.Amount),
			Direction: string(p.Direction),
			Fee:       int64(p.Fee),
			Slot:      int64(p.Slot),
			BlockTime: p.BlockTime,
			Status:    db.StatusConfirmed,
			USDValue:  usd,
			Memo:      p.Memo,
		})
		cancel()

		switch {
		case err == nil:
			records = append(records, recordFromTransaction(t, address))
			ingested = append(ingested, p.Signature)
			e.metrics.RecordTransactionsWritten(string(p.Direction), 1)
		case errors.Is(err, db.ErrAlreadyExists):
			e.metrics.RecordTransactionsSkipped("duplicate", 1)
			stored, ferr := e.findStored(ctx, p.Signature)
			if ferr != nil {
				records = append(records, recordFromPayment(p, usd))
				continue
			}
			records = append(records, recordFromTransaction(stored, address))
		default:
			e.logger.WarnContext(ctx, "failed to persist payment",
				"address", address,
				"signature", p.Signature,
				"error", err,
			)
			e.metrics.RecordTransactionsSkipped("persist_error", 1)
			records = append(records, recordFromPayment(p, usd))
		}
	}
	return records, ingested, nil
}
