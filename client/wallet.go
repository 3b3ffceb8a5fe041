package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a registered address the server is watching.
type Wallet struct {
	Address     string    `json:"address"`
	DisplayName *string   `json:"display_name,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transaction is one entry of a wallet's reconciled history.
type Transaction struct {
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

// Pagination describes where the next page starts.
type Pagination struct {
	Limit      int    `json:"limit"`
	NextBefore string `json:"next_before,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Pagination   Pagination    `json:"pagination"`
}

// Balance is a wallet's ledger balance.
type Balance struct {
	Balance    decimal.Decimal `json:"balance"`
	BalanceUSD decimal.Decimal `json:"balanceUSD"`
	Rate       float64         `json:"rate"`
}

// Rate is an exchange rate.
type Rate struct {
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Rate  float64 `json:"rate"`
}

// TransactionsOptions selects a page of history. Zero values use the
// server defaults.
type TransactionsOptions struct {
	Limit  int
	Before string
}

// APIError is a non-success response from the server. LastKnown is set
// when the server could not reconcile but still had an earlier view.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	LastKnown  *TransactionPage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the solboard API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Watch registers a wallet so the server keeps it watched.
func (c *Client) Watch(ctx context.Context, address string, displayName *string) (*Wallet, error) {
	body := map[string]any{"address": address}
	if displayName != nil {
		body["display_name"] = *displayName
	}
	var w Wallet
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallets", body, http.StatusCreated, &w); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet watched", "address", address)
	return &w, nil
}

// Unwatch deactivates a wallet.
func (c *Client) Unwatch(ctx context.Context, address string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/wallets/"+url.PathEscape(address), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("wallet unwatched", "address", address)
	return nil
}

// List returns registered wallets; all includes deactivated ones.
func (c *Client) List(ctx context.Context, all bool) ([]*Wallet, error) {
	path := "/api/v1/wallets"
	if all {
		path += "?all=true"
	}
	var resp struct {
		Wallets []*Wallet `json:"wallets"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Wallets, nil
}

// Transactions returns a page of a wallet's reconciled history.
func (c *Client) Transactions(ctx context.Context, address string, opts TransactionsOptions) (*TransactionPage, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	path := "/api/v1/wallets/" + url.PathEscape(address) + "/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page TransactionPage
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Balance returns a wallet's ledger balance.
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	var b Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallets/"+url.PathEscape(address)+"/balance", nil, http.StatusOK, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Rate returns the server's cached exchange rate for quote.
func (c *Client) Rate(ctx context.Context, quote string) (*Rate, error) {
	var r Rate
	if err := c.do(ctx, http.MethodGet, "/api/v1/rates/"+url.PathEscape(quote), nil, http.StatusOK, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error     string           `json:"error"`
		Code      string           `json:"code"`
		LastKnown *TransactionPage `json:"last_known"`
	}

	body, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		apiErr.Message = fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))
		return apiErr
	}
	apiErr.Message = errResp.Error
	apiErr.Code = errResp.Code
	apiErr.LastKnown = errResp.LastKnown
	return apiErr
}
