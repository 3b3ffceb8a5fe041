package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Wallet is a watched address. Wallets are deactivated, never deleted.
type Wallet struct {
	ID          int64
	Address     string
	DisplayName *string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const walletColumns = `id, address, display_name, active, created_at, updated_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var (
		w    Wallet
		name pgtype.Text
	)
	if err := row.Scan(&w.ID, &w.Address, &name, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.DisplayName = stringPtrFromPgtext(name)
	return &w, nil
}

// UpsertWallet registers address, or reactivates it if it already exists.
// A nil displayName keeps the stored name.
func (s *Store) UpsertWallet(ctx context.Context, address string, displayName *string) (_ *Wallet, err error) {
	defer func(start time.Time) { s.observe("upsert", "wallets", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (address, display_name)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET
			active = TRUE,
			display_name = COALESCE(EXCLUDED.display_name, wallets.display_name),
			updated_at = now()
		RETURNING `+walletColumns,
		address, pgtextFromStringPtr(displayName),
	)
	w, err := scanWallet(row)
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// EnsureWallet returns the wallet for address, creating an inactive row when
// the address has never been seen. Existing wallets are left untouched.
func (s *Store) EnsureWallet(ctx context.Context, address string) (_ *Wallet, err error) {
	defer func(start time.Time) { s.observe("ensure", "wallets", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (address, active)
		VALUES ($1, FALSE)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING `+walletColumns, address)
	w, err := scanWallet(row)
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// GetWalletByAddress retrieves a wallet regardless of its active flag.
func (s *Store) GetWalletByAddress(ctx context.Context, address string) (_ *Wallet, err error) {
	defer func(start time.Time) { s.observe("get", "wallets", start, err) }(time.Now())

	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address))
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// DeactivateWallet stops monitoring address. Its transactions are kept.
func (s *Store) DeactivateWallet(ctx context.Context, address string) (_ *Wallet, err error) {
	defer func(start time.Time) { s.observe("deactivate", "wallets", start, err) }(time.Now())

	row := s.pool.QueryRow(ctx, `
		UPDATE wallets SET active = FALSE, updated_at = now()
		WHERE address = $1
		RETURNING `+walletColumns, address)
	w, err := scanWallet(row)
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// ListWallets returns all wallets; activeOnly filters out deactivated ones.
func (s *Store) ListWallets(ctx context.Context, activeOnly bool) (_ []*Wallet, err error) {
	defer func(start time.Time) { s.observe("list", "wallets", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE active OR NOT $1
		ORDER BY created_at, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// ListActiveWallets returns wallets currently being monitored.
func (s *Store) ListActiveWallets(ctx context.Context) ([]*Wallet, error) {
	return s.ListWallets(ctx, true)
}
