package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a persisted transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Transaction is a persisted payment. Signature is globally unique.
type Transaction struct {
	Signature string
	WalletID  int64
	Sender    string
	Receiver  string
	Amount    int64 // lamports
	Direction string
	Fee       int64 // lamports
	Slot      int64
	BlockTime *time.Time
	Status    Status
	USDValue  decimal.NullDecimal
	Memo      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateTransactionParams contains the parameters for inserting a transaction.
type CreateTransactionParams struct {
	Signature string
	WalletID  int64
	Sender    string
	Receiver  string
	Amount    int64
	Direction string
	Fee       int64
	Slot      int64
	BlockTime *time.Time
	Status    Status
	USDValue  decimal.NullDecimal
	Memo      *string
}

// ListTransactionsParams pages through an address's transactions, newest first.
// A non-nil BeforeTime restricts the page to rows ordered strictly after the
// (BeforeTime, BeforeSlot, BeforeSignature) cursor. Rows without a block time
// sort last and always follow a dated cursor.
type ListTransactionsParams struct {
	Address         string
	Limit           int32
	Offset          int32
	BeforeTime      *time.Time
	BeforeSlot      int64
	BeforeSignature string
}

const transactionColumns = `signature, wallet_id, sender, receiver, amount, direction, fee, slot,
	block_time, status, usd_value::text, memo, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t         Transaction
		status    string
		blockTime pgtype.Timestamptz
		usd       pgtype.Text
		memo      pgtype.Text
	)
	err := row.Scan(
		&t.Signature, &t.WalletID, &t.Sender, &t.Receiver, &t.Amount, &t.Direction, &t.Fee, &t.Slot,
		&blockTime, &status, &usd, &memo, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.BlockTime = timePtrFromPgTimestamptz(blockTime)
	t.USDValue = decimalFromPgtext(usd)
	t.Memo = stringPtrFromPgtext(memo)
	return &t, nil
}

// InsertTransaction inserts a transaction. Uniqueness on signature is enforced
// by the primary key: a second insert for the same signature returns
// ErrAlreadyExists and leaves the stored row untouched.
func (s *Store) InsertTransaction(ctx context.Context, params CreateTransactionParams) (_ *Transaction, err error) {
	defer func(start time.Time) { s.observe("insert", "transactions", start, err) }(time.Now())

	status := params.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (signature, wallet_id, sender, receiver, amount, direction, fee, slot,
			block_time, status, usd_value, memo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12)
		ON CONFLICT (signature) DO NOTHING
		RETURNING `+transactionColumns,
		params.Signature, params.WalletID, params.Sender, params.Receiver, params.Amount, params.Direction,
		params.Fee, params.Slot, pgTimestamptzFromTimePtr(params.BlockTime), string(status),
		pgtextFromDecimal(params.USDValue), pgtextFromStringPtr(params.Memo),
	)

	txn, err := scanTransaction(row)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrNotFound) {
			// DO NOTHING returns no row on conflict.
			err = ErrAlreadyExists
		}
		return nil, err
	}
	return txn, nil
}

// FindTransactionBySignature retrieves a transaction by its signature.
func (s *Store) FindTransactionBySignature(ctx context.Context, signature string) (_ *Transaction, err error) {
	defer func(start time.Time) { s.observe("find", "transactions", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE signature = $1`, signature)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, mapError(err)
	}
	return txn, nil
}

// ListTransactionsByAddress returns transactions where address is the sender
// or receiver, ordered by block time, then slot, then signature, descending.
func (s *Store) ListTransactionsByAddress(ctx context.Context, params ListTransactionsParams) (_ []*Transaction, err error) {
	defer func(start time.Time) { s.observe("list", "transactions", start, err) }(time.Now())

	if params.Limit <= 0 {
		params.Limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE (receiver = $1 OR sender = $1)
			AND ($4::timestamptz IS NULL
				OR block_time IS NULL
				OR (block_time, slot, signature) < ($4::timestamptz, $6::bigint, $5::text))
		ORDER BY block_time DESC NULLS LAST, slot DESC, signature DESC
		LIMIT $2 OFFSET $3`,
		params.Address, params.Limit, params.Offset,
		pgTimestamptzFromTimePtr(params.BeforeTime), params.BeforeSignature, params.BeforeSlot,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, params.Limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// CountTransactionsByAddress counts transactions touching address.
func (s *Store) CountTransactionsByAddress(ctx context.Context, address string) (count int64, err error) {
	defer func(start time.Time) { s.observe("count", "transactions", start, err) }(time.Now())

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE receiver = $1 OR sender = $1`, address,
	).Scan(&count)
	return count, err
}

// UpdateTransactionStatus moves a PENDING transaction to CONFIRMED or FAILED.
// Settled transactions cannot change status.
func (s *Store) UpdateTransactionStatus(ctx context.Context, signature string, status Status) (_ *Transaction, err error) {
	defer func(start time.Time) { s.observe("update_status", "transactions", start, err) }(time.Now())

	if status != StatusConfirmed && status != StatusFailed {
		return nil, fmt.Errorf("%w: to %q", ErrInvalidTransition, status)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE transactions SET status = $2, updated_at = now()
		WHERE signature = $1 AND status = 'PENDING'
		RETURNING `+transactionColumns,
		signature, string(status),
	)
	txn, err := scanTransaction(row)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	existing, err := s.FindTransactionBySignature(ctx, signature)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, signature, existing.Status)
}

// Earnings summarizes confirmed inbound payments to an address.
type Earnings struct {
	Address          string
	TotalReceived    int64
	TotalReceivedUSD decimal.Decimal
	Count            int64
}

// GetEarnings returns confirmed inbound totals for address.
func (s *Store) GetEarnings(ctx context.Context, address string) (_ *Earnings, err error) {
	defer func(start time.Time) { s.observe("earnings", "transactions", start, err) }(time.Now())

	e := &Earnings{Address: address}
	var usd string
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(amount), 0)::bigint, COALESCE(sum(usd_value), 0)::text, count(*)
		FROM transactions
		WHERE receiver = $1 AND status = 'CONFIRMED'`, address,
	).Scan(&e.TotalReceived, &usd, &e.Count)
	if err != nil {
		return nil, err
	}
	if e.TotalReceivedUSD, err = decimal.NewFromString(usd); err != nil {
		return nil, fmt.Errorf("parse usd total %q: %w", usd, err)
	}
	return e, nil
}

// LeaderboardEntry ranks an active wallet by confirmed inbound volume.
type LeaderboardEntry struct {
	Address          string
	DisplayName      *string
	TotalReceived    int64
	TotalReceivedUSD decimal.Decimal
	Count            int64
}

// Leaderboard returns the top active wallets by confirmed inbound lamports.
func (s *Store) Leaderboard(ctx context.Context, limit int32) (_ []*LeaderboardEntry, err error) {
	defer func(start time.Time) { s.observe("leaderboard", "transactions", start, err) }(time.Now())

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx, `
		SELECT w.address, w.display_name,
			COALESCE(sum(t.amount), 0)::bigint,
			COALESCE(sum(t.usd_value), 0)::text,
			count(t.signature)
		FROM wallets w
		LEFT JOIN transactions t
			ON t.receiver = w.address AND t.status = 'CONFIRMED'
		WHERE w.active
		GROUP BY w.id, w.address, w.display_name
		ORDER BY 3 DESC, w.address
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LeaderboardEntry
	for rows.Next() {
		var (
			e    LeaderboardEntry
			name pgtype.Text
			usd  string
		)
		if err := rows.Scan(&e.Address, &name, &e.TotalReceived, &usd, &e.Count); err != nil {
			return nil, err
		}
		e.DisplayName = stringPtrFromPgtext(name)
		if e.TotalReceivedUSD, err = decimal.NewFromString(usd); err != nil {
			return nil, fmt.Errorf("parse usd total %q: %w", usd, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
