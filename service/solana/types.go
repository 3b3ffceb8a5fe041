package solana

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// Lamports is an integer amount of the native currency.
type Lamports uint64

// SOL converts the amount to a decimal SOL value.
func (l Lamports) SOL() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(l)), 0).Div(lamportsPerSOL)
}

// USD converts the amount to a USD value using rate (USD per SOL), rounded to cents.
func (l Lamports) USD(rate float64) decimal.Decimal {
	return l.SOL().Mul(decimal.NewFromFloat(rate)).Round(2)
}

// SOLToLamports converts a whole SOL amount to lamports.
func SOLToLamports(sol int64) Lamports {
	return Lamports(uint64(sol) * LamportsPerSOL)
}

// Direction of a payment relative to the watched address.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// RawTransaction is a ledger transaction as fetched from RPC.
// It is never mutated after construction.
type RawTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *time.Time
	Fee          uint64
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
	Failed       bool
	Memo         *string
}

// SignatureInfo is one entry from a signature listing, most recent first.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
}

// Payment is the classifier output for a watched address.
type Payment struct {
	Signature string
	Sender    string
	Receiver  string
	Amount    Lamports
	Direction Direction
	Fee       Lamports
	BlockTime *time.Time
	Slot      uint64
	Memo      *string
}

// Counterparty returns the non-watched side of the payment.
func (p *Payment) Counterparty() string {
	if p.Direction == DirectionOut {
		return p.Receiver
	}
	return p.Sender
}
