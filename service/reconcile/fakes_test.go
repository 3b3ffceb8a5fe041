package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/solana"
)

type fakeLedger struct {
	mu      sync.Mutex
	sigs    []solana.SignatureInfo
	txs     map[string]*solana.RawTransaction
	sigErr  error
	txErrs  map[string]error
	sigCall int
	limits  []int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:    make(map[string]*solana.RawTransaction),
		txErrs: make(map[string]error),
	}
}

// add records tx as the newest signature for the address.
func (l *fakeLedger) add(tx *solana.RawTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[tx.Signature] = tx
	l.sigs = append([]solana.SignatureInfo{{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
		Failed:    tx.Failed,
	}}, l.sigs...)
}

func (l *fakeLedger) GetSignatures(_ context.Context, _ string, limit int, before string) ([]solana.SignatureInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigCall++
	l.limits = append(l.limits, limit)
	if l.sigErr != nil {
		return nil, l.sigErr
	}
	out := l.sigs
	if before != "" {
		for i, s := range l.sigs {
			if s.Signature == before {
				out = l.sigs[i+1:]
				break
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]solana.SignatureInfo(nil), out...), nil
}

func (l *fakeLedger) GetTransaction(_ context.Context, signature string) (*solana.RawTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.txErrs[signature]; err != nil {
		return nil, err
	}
	tx, ok := l.txs[signature]
	if !ok {
		return nil, solana.ErrTransactionNotFound
	}
	return tx, nil
}

type fakeStore struct {
	mu      sync.Mutex
	wallets map[string]*db.Wallet
	txns    map[string]*db.Transaction
	hidden  map[string]bool
	listErr error
	insErr  error
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		wallets: make(map[string]*db.Wallet),
		txns:    make(map[string]*db.Transaction),
		hidden:  make(map[string]bool),
	}
}

func (s *fakeStore) EnsureWallet(_ context.Context, address string) (*db.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[address]; ok {
		return w, nil
	}
	w := &db.Wallet{ID: int64(len(s.wallets) + 1), Address: address}
	s.wallets[address] = w
	return w, nil
}

func (s *fakeStore) InsertTransaction(_ context.Context, p db.CreateTransactionParams) (*db.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insErr != nil {
		return nil, s.insErr
	}
	if _, ok := s.txns[p.Signature]; ok {
		return nil, db.ErrAlreadyExists
	}
	now := time.Now()
	t := &db.Transaction{
		Signature: p.Signature,
		WalletID:  p.WalletID,
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Amount:    p.Amount,
		Direction: p.Direction,
		Fee:       p.Fee,
		Slot:      p.Slot,
		BlockTime: p.BlockTime,
		Status:    p.Status,
		USDValue:  p.USDValue,
		Memo:      p.Memo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.txns[p.Signature] = t
	return t, nil
}

func (s *fakeStore) FindTransactionBySignature(_ context.Context, signature string) (*db.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[signature]
	if !ok {
		return nil, db.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) ListTransactionsByAddress(_ context.Context, p db.ListTransactionsParams) ([]*db.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*db.Transaction
	for _, t := range s.txns {
		if s.hidden[t.Signature] || (t.Receiver != p.Address && t.Sender != p.Address) {
			continue
		}
		if p.BeforeTime != nil && t.BlockTime != nil && !storedBefore(t, *p.BeforeTime, p.BeforeSlot, p.BeforeSignature) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.BlockTime == nil || b.BlockTime == nil:
			return b.BlockTime == nil && a.BlockTime != nil
		case !a.BlockTime.Equal(*b.BlockTime):
			return a.BlockTime.After(*b.BlockTime)
		case a.Slot != b.Slot:
			return a.Slot > b.Slot
		}
		return a.Signature > b.Signature
	})
	if int32(len(out)) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// storedBefore mirrors the store's (block_time, slot, signature) cursor.
func storedBefore(t *db.Transaction, bt time.Time, slot int64, sig string) bool {
	switch {
	case !t.BlockTime.Equal(bt):
		return t.BlockTime.Before(bt)
	case t.Slot != slot:
		return t.Slot < slot
	}
	return t.Signature < sig
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

type fixedRate float64

func (r fixedRate) GetRate(context.Context, string) float64 { return float64(r) }

var errDown = errors.New("connection refused")

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

// transfer builds a two-account transaction moving lamports from -> to.
func transfer(sig, from, to string, lamports uint64, blockTime int64) *solana.RawTransaction {
	return &solana.RawTransaction{
		Signature:    sig,
		Slot:         uint64(blockTime),
		BlockTime:    at(blockTime),
		Fee:          5000,
		AccountKeys:  []string{from, to},
		PreBalances:  []uint64{10_000_000_000, 1_000_000_000},
		PostBalances: []uint64{10_000_000_000 - lamports - 5000, 1_000_000_000 + lamports},
	}
}
