package solana

// DefaultMaxAmount is the sanity ceiling applied when ClassifyOptions.MaxAmount is zero.
var DefaultMaxAmount = SOLToLamports(1_000_000)

// ClassifyOptions tune the classifier.
type ClassifyOptions struct {
	// MaxAmount rejects any payment larger than this many lamports.
	MaxAmount Lamports
}

func (o ClassifyOptions) maxAmount() Lamports {
	if o.MaxAmount == 0 {
		return DefaultMaxAmount
	}
	return o.MaxAmount
}

// ClassifyInbound returns the inbound payment to target contained in tx, or
// false if tx is not one. A negative or zero balance change is never inbound.
func ClassifyInbound(tx *RawTransaction, target string, opts ClassifyOptions) (*Payment, bool) {
	p, ok := Classify(tx, target, opts)
	if !ok || p.Direction != DirectionIn {
		return nil, false
	}
	return p, true
}

// Classify turns a raw ledger transaction into a payment relative to target.
//
// A positive balance change on target is an IN payment whose sender is the
// other account with the largest debit. A negative change is the OUT case and
// the receiver is the account with the largest credit. When no account moved
// the opposite way, the first non-target account in the balance arrays is
// used. Failed, malformed, self-directed and oversized transactions are
// rejected.
func Classify(tx *RawTransaction, target string, opts ClassifyOptions) (*Payment, bool) {
	if tx == nil || tx.Failed {
		return nil, false
	}

	n := len(tx.AccountKeys)
	if n == 0 || len(tx.PreBalances) != n || len(tx.PostBalances) != n {
		return nil, false
	}

	targetIdx := -1
	for i, key := range tx.AccountKeys {
		if key == target {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, false
	}

	pre, post := tx.PreBalances[targetIdx], tx.PostBalances[targetIdx]
	var (
		direction Direction
		amount    Lamports
	)
	switch {
	case post > pre:
		direction = DirectionIn
		amount = Lamports(post - pre)
	case post < pre:
		direction = DirectionOut
		amount = Lamports(pre - post)
	default:
		return nil, false
	}

	counterIdx := counterparty(tx, targetIdx, direction)
	if counterIdx < 0 {
		return nil, false
	}
	counter := tx.AccountKeys[counterIdx]
	if counter == target {
		return nil, false
	}

	if amount > opts.maxAmount() {
		return nil, false
	}

	p := &Payment{
		Signature: tx.Signature,
		Amount:    amount,
		Direction: direction,
		Fee:       Lamports(tx.Fee),
		BlockTime: tx.BlockTime,
		Slot:      tx.Slot,
		Memo:      tx.Memo,
	}
	if direction == DirectionIn {
		p.Sender, p.Receiver = counter, target
	} else {
		p.Sender, p.Receiver = target, counter
	}
	return p, true
}

// counterparty picks the account that moved opposite to the target: the
// largest debit for IN, the largest credit for OUT. Ties keep the lowest
// index. Returns -1 when there is no other account.
func counterparty(tx *RawTransaction, targetIdx int, direction Direction) int {
	best := -1
	var bestMove uint64
	for i := range tx.AccountKeys {
		if i == targetIdx {
			continue
		}
		pre, post := tx.PreBalances[i], tx.PostBalances[i]
		var move uint64
		if direction == DirectionIn && pre > post {
			move = pre - post
		} else if direction == DirectionOut && post > pre {
			move = post - pre
		}
		if move > bestMove {
			best, bestMove = i, move
		}
	}
	if best >= 0 {
		return best
	}

	for i := range tx.AccountKeys {
		if i != targetIdx {
			return i
		}
	}
	return -1
}
