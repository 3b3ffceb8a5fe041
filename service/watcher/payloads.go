package watcher

import (
	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/solana"
)

// TransactionPayload renders a record for subscribers. The stored USD
// snapshot is preferred over the current rate.
func TransactionPayload(r reconcile.Record, rate float64) pubsub.TransactionPayload {
	usd := r.Amount.USD(rate)
	if r.USDValue.Valid {
		usd = r.USDValue.Decimal
	}
	return pubsub.TransactionPayload{
		Signature:   r.Signature,
		FromAddress: r.Sender,
		ToAddress:   r.Receiver,
		Amount:      r.Amount.SOL(),
		AmountUSD:   usd,
		Direction:   string(r.Direction),
		BlockTime:   r.BlockTime,
	}
}

func BalancePayload(balance solana.Lamports, rate float64) pubsub.BalancePayload {
	return pubsub.BalancePayload{
		Balance:    balance.SOL(),
		BalanceUSD: balance.USD(rate),
		Rate:       rate,
	}
}

func EarningsPayload(e *db.Earnings) pubsub.EarningsPayload {
	return pubsub.EarningsPayload{
		TotalReceived:    solana.Lamports(e.TotalReceived).SOL(),
		TotalReceivedUSD: e.TotalReceivedUSD,
		Count:            e.Count,
	}
}

func LeaderboardPayload(entries []*db.LeaderboardEntry) pubsub.LeaderboardPayload {
	out := pubsub.LeaderboardPayload{Entries: make([]pubsub.LeaderboardEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, pubsub.LeaderboardEntry{
			Address:       e.Address,
			TotalReceived: solana.Lamports(e.TotalReceived).SOL(),
			Count:         e.Count,
		})
	}
	return out
}
