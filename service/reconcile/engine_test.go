package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(l *fakeLedger, s *fakeStore, opts Options) *Engine {
	return New(l, s, fixedRate(150), opts, nil, nil)
}

func signatures(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Signature
	}
	return out
}

func TestReconcile_ExampleScenario(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(&solana.RawTransaction{
		Signature:    "sig-ws",
		Slot:         42,
		BlockTime:    at(1_700_000_000),
		Fee:          10,
		AccountKeys:  []string{"W", "S"},
		PreBalances:  []uint64{1000, 5000},
		PostBalances: []uint64{1500, 4490},
	})
	store := newFakeStore()
	engine := newTestEngine(ledger, store, Options{})
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, "W", Page{})
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	rec := first.Records[0]
	assert.Equal(t, "S", rec.Sender)
	assert.Equal(t, "W", rec.Receiver)
	assert.Equal(t, solana.Lamports(500), rec.Amount)
	assert.Equal(t, solana.Lamports(10), rec.Fee)
	assert.Equal(t, solana.DirectionIn, rec.Direction)
	assert.Equal(t, db.StatusConfirmed, rec.Status)
	assert.True(t, rec.Persisted)
	assert.Equal(t, []string{"sig-ws"}, first.Ingested)

	second, err := engine.Reconcile(ctx, "W", Page{})
	require.NoError(t, err)
	assert.Empty(t, second.Ingested)
	assert.Equal(t, signatures(first.Records), signatures(second.Records))
	assert.Equal(t, 1, store.count(), "reconciling twice persists one row")
}

func TestReconcile_Idempotent(t *testing.T) {
	ledger := newFakeLedger()
	for i, sig := range []string{"a", "b", "c"} {
		ledger.add(transfer(sig, "S", "W", 1_000_000, int64(100+i)))
	}
	store := newFakeStore()
	engine := newTestEngine(ledger, store, Options{})
	ctx := context.Background()

	_, err := engine.Reconcile(ctx, "W", Page{})
	require.NoError(t, err)
	after := store.count()
	for i := 0; i < 3; i++ {
		res, err := engine.Reconcile(ctx, "W", Page{})
		require.NoError(t, err)
		assert.Empty(t, res.Ingested)
		assert.Equal(t, after, store.count())
	}
}

func TestReconcile_MergeOrder(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("t100", "S", "W", 1, 100))
	ledger.add(transfer("t300", "S", "W", 1, 300))
	ledger.add(transfer("t200", "S", "W", 1, 200))

	res, err := newTestEngine(ledger, newFakeStore(), Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t300", "t200", "t100"}, signatures(res.Records))
}

func TestReconcile_PersistedCopyWins(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("sig", "S", "W", 1_000, 100))
	store := newFakeStore()
	_, err := store.InsertTransaction(context.Background(), db.CreateTransactionParams{
		Signature: "sig",
		Sender:    "S",
		Receiver:  "W",
		Amount:    1_000,
		Direction: "IN",
		BlockTime: at(100),
		Status:    db.StatusPending,
	})
	require.NoError(t, err)

	res, err := newTestEngine(ledger, store, Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, db.StatusPending, res.Records[0].Status)
	assert.Empty(t, res.Ingested)
	assert.Equal(t, 1, store.inserts, "no insert attempted for a persisted signature")
}

func TestReconcile_DuplicateInsertUsesStoredRow(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("sig", "S", "W", 1_000, 100))
	store := newFakeStore()
	_, err := store.InsertTransaction(context.Background(), db.CreateTransactionParams{
		Signature: "sig", Sender: "S", Receiver: "W", Amount: 1_000, Direction: "IN",
		BlockTime: at(100), Status: db.StatusFailed,
	})
	require.NoError(t, err)
	// Simulate a concurrent writer: the row exists but was not in the page we read.
	store.hidden["sig"] = true

	res, err := newTestEngine(ledger, store, Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, db.StatusFailed, res.Records[0].Status)
	assert.Empty(t, res.Ingested)
	assert.Equal(t, 1, store.count())
}

func TestReconcile_ConcurrentCallsPersistOnce(t *testing.T) {
	ledger := newFakeLedger()
	for i, sig := range []string{"a", "b", "c", "d"} {
		ledger.add(transfer(sig, "S", "W", 1_000, int64(100+i)))
	}
	store := newFakeStore()
	engine := newTestEngine(ledger, store, Options{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ingested []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Reconcile(context.Background(), "W", Page{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ingested = append(ingested, res.Ingested...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, store.count())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ingested, "each signature ingested by exactly one call")
}

func TestReconcile_SkipsFailedFetches(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("ok-1", "S", "W", 1, 100))
	ledger.add(transfer("broken", "S", "W", 1, 200))
	ledger.add(transfer("ok-2", "S", "W", 1, 300))
	ledger.txErrs["broken"] = errDown

	res, err := newTestEngine(ledger, newFakeStore(), Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-2", "ok-1"}, signatures(res.Records))
}

func TestReconcile_IgnoresNoise(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("inbound", "S", "W", 1_000, 100))
	ledger.add(transfer("outbound", "W", "R", 1_000, 200))
	ledger.add(transfer("unrelated", "A", "B", 1_000, 300))
	failed := transfer("failed", "S", "W", 1_000, 400)
	failed.Failed = true
	ledger.add(failed)

	res, err := newTestEngine(ledger, newFakeStore(), Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"inbound"}, signatures(res.Records))
}

func TestReconcile_IngestOutbound(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("inbound", "S", "W", 1_000, 100))
	ledger.add(transfer("outbound", "W", "R", 1_000, 200))
	store := newFakeStore()

	res, err := newTestEngine(ledger, store, Options{IngestOutbound: true}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	require.Equal(t, []string{"outbound", "inbound"}, signatures(res.Records))
	assert.Equal(t, solana.DirectionOut, res.Records[0].Direction)
	assert.Equal(t, "R", res.Records[0].Receiver)
	assert.Equal(t, 2, store.count())
}

func TestReconcile_USDSnapshot(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("sig", "S", "W", 2*solana.LamportsPerSOL, 100))
	store := newFakeStore()

	_, err := newTestEngine(ledger, store, Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	stored, err := store.FindTransactionBySignature(context.Background(), "sig")
	require.NoError(t, err)
	require.True(t, stored.USDValue.Valid)
	assert.Equal(t, "300.00", stored.USDValue.Decimal.StringFixed(2))
}

func TestReconcile_OverfetchAndPagination(t *testing.T) {
	ledger := newFakeLedger()
	for i := 0; i < 5; i++ {
		ledger.add(transfer(string(rune('a'+i)), "S", "W", 1, int64(100+i)))
	}
	engine := newTestEngine(ledger, newFakeStore(), Options{})
	ctx := context.Background()

	res, err := engine.Reconcile(ctx, "W", Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{10}, ledger.limits, "fetches five times the page")
	assert.Equal(t, []string{"e", "d"}, signatures(res.Records))
	assert.True(t, res.Pagination.HasMore)
	assert.Equal(t, "d", res.Pagination.NextBefore)
	assert.Equal(t, 2, res.Pagination.Limit)

	next, err := engine.Reconcile(ctx, "W", Page{Limit: 2, Before: res.Pagination.NextBefore})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, signatures(next.Records))

	last, err := engine.Reconcile(ctx, "W", Page{Limit: 2, Before: "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, signatures(last.Records))
	assert.False(t, last.Pagination.HasMore)
	assert.Empty(t, last.Pagination.NextBefore)
}

func TestReconcile_HardFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("signature listing", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.sigErr = errDown
		_, err := newTestEngine(ledger, newFakeStore(), Options{}).Reconcile(ctx, "W", Page{})

		var rerr *ReconcileError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, KindLedgerUnavailable, rerr.Kind)
		assert.ErrorIs(t, err, errDown)
	})

	t.Run("store read", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.add(transfer("sig", "S", "W", 1, 100))
		store := newFakeStore()
		store.listErr = errDown
		_, err := newTestEngine(ledger, store, Options{}).Reconcile(ctx, "W", Page{})

		var rerr *ReconcileError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, KindStoreUnavailable, rerr.Kind)
		assert.Zero(t, store.inserts)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.add(transfer("sig", "S", "W", 1, 100))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newTestEngine(ledger, newFakeStore(), Options{}).Reconcile(cctx, "W", Page{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReconcile_InsertFailureKeepsRecord(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("sig", "S", "W", 1, 100))
	store := newFakeStore()
	store.insErr = errDown

	res, err := newTestEngine(ledger, store, Options{}).Reconcile(context.Background(), "W", Page{})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.False(t, res.Records[0].Persisted)
	assert.Empty(t, res.Ingested)
}

func TestReconcileAndList_ServesLastKnown(t *testing.T) {
	ledger := newFakeLedger()
	ledger.add(transfer("sig", "S", "W", 1, 100))
	engine := newTestEngine(ledger, newFakeStore(), Options{})
	ctx := context.Background()

	_, err := engine.ReconcileAndList(ctx, "other", Page{})
	require.NoError(t, err)

	ledger.sigErr = errDown
	_, err = engine.ReconcileAndList(ctx, "W", Page{})
	var rerr *ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Nil(t, rerr.LastKnown, "nothing known yet for W")

	ledger.sigErr = nil
	good, err := engine.ReconcileAndList(ctx, "W", Page{})
	require.NoError(t, err)

	ledger.sigErr = errDown
	_, err = engine.ReconcileAndList(ctx, "W", Page{})
	require.ErrorAs(t, err, &rerr)
	require.NotNil(t, rerr.LastKnown)
	assert.Equal(t, signatures(good.Records), signatures(rerr.LastKnown.Records))
	assert.True(t, errors.Is(err, errDown))
}

func TestResult_Unseen(t *testing.T) {
	res := &Result{
		Records: []Record{{Signature: "c", BlockTime: at(3)}, {Signature: "b", BlockTime: at(2)}},
		Fresh:   []Record{{Signature: "c", BlockTime: at(3)}, {Signature: "a", BlockTime: at(1)}},
	}
	assert.Equal(t, "c", res.Newest())
	assert.Equal(t, []string{"c", "b", "a"}, signatures(res.Unseen(nil)))
	assert.Equal(t, []string{"a"}, signatures(res.Unseen(map[string]struct{}{"b": {}, "c": {}})))
	assert.Len(t, res.Signatures(), 3)

	var empty *Result
	assert.Equal(t, "", empty.Newest())
}

func TestSortRecords_SameSecondUsesSlot(t *testing.T) {
	records := []Record{
		{Signature: "sigZ", Slot: 100, BlockTime: at(1000)},
		{Signature: "sigA", Slot: 101, BlockTime: at(1000)},
		{Signature: "sigM", Slot: 101, BlockTime: at(1000)},
		{Signature: "undated", Slot: 500},
	}
	sortRecords(records)
	assert.Equal(t, []string{"sigM", "sigA", "sigZ", "undated"}, signatures(records))
}

func TestReconcile_FreshIsNotCutToPage(t *testing.T) {
	ledger := newFakeLedger()
	for i := 0; i < 5; i++ {
		ledger.add(transfer(fmt.Sprintf("sig-%d", i), "S", "W", 1_000_000, int64(100+i)))
	}
	engine := newTestEngine(ledger, newFakeStore(), Options{})

	res, err := engine.Reconcile(context.Background(), "W", Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Len(t, res.Ingested, 5)
	assert.Equal(t, []string{"sig-4", "sig-3", "sig-2", "sig-1", "sig-0"}, signatures(res.Fresh))
}

func TestReconcileAndList_LastKnownIsBounded(t *testing.T) {
	ledger := newFakeLedger()
	engine := newTestEngine(ledger, newFakeStore(), Options{LastKnownTTL: 50 * time.Millisecond, MaxLastKnown: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := engine.ReconcileAndList(ctx, fmt.Sprintf("addr-%d", i), Page{Limit: i + 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, engine.lastKnown.ItemCount(), "distinct requests do not grow the cache past its cap")

	_, err := engine.ReconcileAndList(ctx, "addr-0", Page{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 3, engine.lastKnown.ItemCount(), "limit is not part of the key")

	assert.Eventually(t, func() bool {
		_, ok := engine.lastKnown.Get("addr-0|")
		return !ok
	}, time.Second, 10*time.Millisecond, "views expire")

	ledger.sigErr = errDown
	_, err = engine.ReconcileAndList(ctx, "addr-0", Page{})
	var rerr *ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Nil(t, rerr.LastKnown, "expired view is not served")
}
