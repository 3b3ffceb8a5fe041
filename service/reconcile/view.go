package reconcile

import (
	"sort"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/solana"
	"github.com/shopspring/decimal"
)

// Record is one entry of the merged view. Direction is relative to the
// address that was reconciled.
type Record struct {
	Signature string
	Sender    string
	Receiver  string
	Amount    solana.Lamports
	Direction solana.Direction
	Fee       solana.Lamports
	Slot      uint64
	BlockTime *time.Time
	Status    db.Status
	USDValue  decimal.NullDecimal
	Memo      *string
	// Persisted is false when the record was classified but could not be
	// written this round.
	Persisted bool
}

// Pagination describes where the next page starts.
type Pagination struct {
	Limit      int    `json:"limit"`
	NextBefore string `json:"next_before,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Result is the output of a reconcile.
type Result struct {
	Address    string
	Records    []Record
	Pagination Pagination
	// Ingested lists signatures written to the store by this call.
	Ingested []string
	// Fresh holds the records written by this call, newest first. Unlike
	// Records it is not cut to the page limit.
	Fresh []Record
}

// Newest returns the signature of the first record, or "".
func (r *Result) Newest() string {
	if r == nil || len(r.Records) == 0 {
		return ""
	}
	return r.Records[0].Signature
}

// Unseen returns the records of the view and of Fresh whose signatures are
// not in seen, newest first.
func (r *Result) Unseen(seen map[string]struct{}) []Record {
	out := make([]Record, 0, len(r.Fresh))
	dup := make(map[string]struct{}, len(r.Records)+len(r.Fresh))
	for _, set := range [][]Record{r.Records, r.Fresh} {
		for _, rec := range set {
			if _, ok := seen[rec.Signature]; ok {
				continue
			}
			if _, ok := dup[rec.Signature]; ok {
				continue
			}
			dup[rec.Signature] = struct{}{}
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// Signatures returns the signatures of the view and of Fresh.
func (r *Result) Signatures() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Records)+len(r.Fresh))
	for _, set := range [][]Record{r.Records, r.Fresh} {
		for _, rec := range set {
			out[rec.Signature] = struct{}{}
		}
	}
	return out
}

func recordFromTransaction(t *db.Transaction, address string) Record {
	dir := solana.Direction(t.Direction)
	switch address {
	case t.Receiver:
		dir = solana.DirectionIn
	case t.Sender:
		dir = solana.DirectionOut
	}
	return Record{
		Signature: t.Signature,
		Sender:    t.Sender,
		Receiver:  t.Receiver,
		Amount:    solana.Lamports(t.Amount),
		Direction: dir,
		Fee:       solana.Lamports(t.Fee),
		Slot:      uint64(t.Slot),
		BlockTime: t.BlockTime,
		Status:    t.Status,
		USDValue:  t.USDValue,
		Memo:      t.Memo,
		Persisted: true,
	}
}

func recordFromPayment(p *solana.Payment, usd decimal.NullDecimal) Record {
	return Record{
		Signature: p.Signature,
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Amount:    p.Amount,
		Direction: p.Direction,
		Fee:       p.Fee,
		Slot:      p.Slot,
		BlockTime: p.BlockTime,
		Status:    db.StatusConfirmed,
		USDValue:  usd,
		Memo:      p.Memo,
	}
}

// sortRecords orders by block time descending. Records without a block time
// sort last; ties break on slot, then signature, descending, matching the
// store.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].BlockTime, records[j].BlockTime
		switch {
		case a == nil && b == nil:
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		if records[i].Slot != records[j].Slot {
			return records[i].Slot > records[j].Slot
		}
		return records[i].Signature > records[j].Signature
	})
}
