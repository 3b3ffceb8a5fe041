package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/solana"
	"github.com/brojonat/solboard/service/watcher"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 120
	maxDisplayName     = 64
)

var (
	// Valid base58 characters (no 0, O, I, l)
	base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	quoteRegex  = regexp.MustCompile(`^[A-Za-z]{3,5}$`)
)

// handleListTransactions serves the reconciled view of a wallet.
// GET /api/v1/wallets/{address}/transactions?limit=N&before=SIGNATURE
func handleListTransactions(lister TransactionLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		page := reconcile.Page{Limit: reconcile.DefaultPageSize}
		if limitStr := query.Get("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 || limit > reconcile.MaxPageSize {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", reconcile.MaxPageSize), http.StatusBadRequest)
				return
			}
			page.Limit = limit
		}
		if before := query.Get("before"); before != "" {
			if err := validateSignature(before); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			page.Before = before
		}

		result, err := lister.ReconcileAndList(r.Context(), address, page)
		if err != nil {
			var rerr *reconcile.ReconcileError
			if !errors.As(err, &rerr) {
				logger.ErrorContext(r.Context(), "failed to list transactions", "address", address, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			logger.WarnContext(r.Context(), "reconcile unavailable",
				"address", address,
				"kind", rerr.Kind,
				"error", rerr.Err,
			)
			resp := reconcileErrorResponse{
				Error: "transactions temporarily unavailable",
				Code:  string(rerr.Kind),
			}
			if rerr.LastKnown != nil {
				lk := toTransactionsResponse(rerr.LastKnown)
				resp.LastKnown = &lk
			}
			writeJSON(w, resp, http.StatusBadGateway)
			return
		}

		writeJSON(w, toTransactionsResponse(result), http.StatusOK)
	})
}

// handleWatchWallet registers a wallet and starts watching it.
// POST /api/v1/wallets {"address": "...", "display_name": "..."}
func handleWatchWallet(store WalletStore, sess *sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Address     string  `json:"address"`
			DisplayName *string `json:"display_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Address); err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !solana.ValidAddress(req.Address) {
			writeError(w, "invalid address: not a valid public key", http.StatusBadRequest)
			return
		}
		if req.DisplayName != nil {
			name := strings.TrimSpace(*req.DisplayName)
			if len(name) > maxDisplayName {
				writeError(w, fmt.Sprintf("display_name cannot exceed %d characters", maxDisplayName), http.StatusBadRequest)
				return
			}
			req.DisplayName = &name
		}

		wallet, err := store.UpsertWallet(r.Context(), req.Address, req.DisplayName)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to upsert wallet", "address", req.Address, "error", err)
			writeError(w, "failed to register wallet", http.StatusInternalServerError)
			return
		}
		sess.pin(wallet.Address)

		logger.InfoContext(r.Context(), "wallet watched", "address", wallet.Address)
		writeJSON(w, walletToResponse(wallet), http.StatusCreated)
	})
}

// handleUnwatchWallet deactivates a wallet. Its history is kept.
// DELETE /api/v1/wallets/{address}
func handleUnwatchWallet(store WalletStore, sess *sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := store.DeactivateWallet(r.Context(), address); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "wallet not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to deactivate wallet", "address", address, "error", err)
			writeError(w, "failed to unregister wallet", http.StatusInternalServerError)
			return
		}
		sess.unpin(address)

		logger.InfoContext(r.Context(), "wallet unwatched", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleListWallets lists registered wallets.
// GET /api/v1/wallets?all=true
func handleListWallets(store WalletStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("all") != "true"
		wallets, err := store.ListWallets(r.Context(), activeOnly)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list wallets", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]walletResponse, len(wallets))
		for i, wallet := range wallets {
			resp[i] = walletToResponse(wallet)
		}
		writeJSON(w, map[string]any{"wallets": resp}, http.StatusOK)
	})
}

// handleGetBalance returns the ledger balance of a wallet in SOL and USD.
// GET /api/v1/wallets/{address}/balance
func handleGetBalance(balances BalanceReader, rates RateReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		lamports, err := balances.GetBalance(r.Context(), address)
		if err != nil {
			logger.WarnContext(r.Context(), "balance lookup failed", "address", address, "error", err)
			writeError(w, "ledger unavailable", http.StatusBadGateway)
			return
		}
		rate := rates.GetRate(r.Context(), "USD")
		writeJSON(w, watcher.BalancePayload(lamports, rate), http.StatusOK)
	})
}

// handleGetRate returns the cached exchange rate for quote.
// GET /api/v1/rates/{quote}
func handleGetRate(rates RateReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quote := r.PathValue("quote")
		if !quoteRegex.MatchString(quote) {
			writeError(w, "invalid quote currency", http.StatusBadRequest)
			return
		}
		quote = strings.ToUpper(quote)
		rate := rates.GetRate(r.Context(), quote)
		if rate <= 0 {
			writeError(w, fmt.Sprintf("no %s rate available", quote), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{
			"base":  rates.Base(),
			"quote": quote,
			"rate":  rate,
		}, http.StatusOK)
	})
}

// transactionResponse is the JSON form of a reconciled record.
type transactionResponse struct {
	Signature      string          `json:"signature"`
	FromAddress    string          `json:"fromAddress"`
	ToAddress      string          `json:"toAddress"`
	Amount         decimal.Decimal `json:"amount"`
	AmountLamports uint64          `json:"amountLamports"`
	AmountUSD      *string         `json:"amountUSD"`
	Direction      string          `json:"direction"`
	Fee            uint64          `json:"fee"`
	Slot           uint64          `json:"slot"`
	BlockTime      *time.Time      `json:"blockTime"`
	Status         string          `json:"status"`
	Memo           *string         `json:"memo,omitempty"`
}

type transactionsResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Pagination   reconcile.Pagination  `json:"pagination"`
}

type reconcileErrorResponse struct {
	Error     string                `json:"error"`
	Code      string                `json:"code"`
	LastKnown *transactionsResponse `json:"last_known"`
}

func toTransactionsResponse(res *reconcile.Result) transactionsResponse {
	out := transactionsResponse{
		Transactions: make([]transactionResponse, len(res.Records)),
		Pagination:   res.Pagination,
	}
	for i, rec := range res.Records {
		out.Transactions[i] = transactionToResponse(rec)
	}
	return out
}

func transactionToResponse(r reconcile.Record) transactionResponse {
	var usd *string
	if r.USDValue.Valid {
		s := r.USDValue.Decimal.StringFixed(2)
		usd = &s
	}
	return transactionResponse{
		Signature:      r.Signature,
		FromAddress:    r.Sender,
		ToAddress:      r.Receiver,
		Amount:         r.Amount.SOL(),
		AmountLamports: uint64(r.Amount),
		AmountUSD:      usd,
		Direction:      string(r.Direction),
		Fee:            uint64(r.Fee),
		Slot:           r.Slot,
		BlockTime:      r.BlockTime,
		Status:         string(r.Status),
		Memo:           r.Memo,
	}
}

// walletResponse is the JSON response format for a wallet.
type walletResponse struct {
	Address     string    `json:"address"`
	DisplayName *string   `json:"display_name,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func walletToResponse(w *db.Wallet) walletResponse {
	return walletResponse{
		Address:     w.Address,
		DisplayName: w.DisplayName,
		Active:      w.Active,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress validates a wallet address for format and length.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}
	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}
	if !base58Regex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}
	return nil
}

// validateSignature validates a pagination cursor.
func validateSignature(sig string) error {
	if len(sig) > maxSignatureLength {
		return errorf("before too long: maximum length is %d characters", maxSignatureLength)
	}
	if !base58Regex.MatchString(sig) {
		return errorf("invalid before cursor: must be a base58 signature")
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...any) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
