package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/wallets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "wallet123", body["address"])
		assert.Equal(t, "alice", body["display_name"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"address": "wallet123", "display_name": "alice", "active": true})
	}))
	defer server.Close()

	name := "alice"
	client := NewClient(server.URL, nil, nil)
	wallet, err := client.Watch(context.Background(), "wallet123", &name)
	require.NoError(t, err)
	assert.Equal(t, "wallet123", wallet.Address)
	assert.True(t, wallet.Active)
}

func TestWatch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid address format",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Watch(context.Background(), "invalid", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid address format")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestUnwatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		if r.URL.Path == "/api/v1/wallets/missing" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "wallet not found"})
			return
		}
		assert.Equal(t, "/api/v1/wallets/wallet123", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.Unwatch(context.Background(), "wallet123"))

	err := client.Unwatch(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet not found")
}

func TestList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("all"))
		json.NewEncoder(w).Encode(map[string]any{
			"wallets": []map[string]any{
				{"address": "wallet1", "active": true},
				{"address": "wallet2", "active": false},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	wallets, err := client.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, "wallet1", wallets[0].Address)
	assert.False(t, wallets[1].Active)
}

func TestTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/wallets/wallet123/transactions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "sig9", r.URL.Query().Get("before"))
		w.Write([]byte(`{
			"transactions": [{
				"signature": "sig8",
				"fromAddress": "payer",
				"toAddress": "wallet123",
				"amount": "1.5",
				"amountLamports": 1500000000,
				"amountUSD": "225.00",
				"direction": "IN",
				"fee": 5000,
				"slot": 10,
				"blockTime": "2024-01-02T03:04:05Z",
				"status": "CONFIRMED"
			}],
			"pagination": {"limit": 5, "next_before": "sig8", "has_more": true}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	page, err := client.Transactions(context.Background(), "wallet123", TransactionsOptions{Limit: 5, Before: "sig9"})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)

	tx := page.Transactions[0]
	assert.Equal(t, "sig8", tx.Signature)
	assert.Equal(t, "1.5", tx.Amount.String())
	assert.Equal(t, uint64(1_500_000_000), tx.AmountLamports)
	require.NotNil(t, tx.AmountUSD)
	assert.Equal(t, "225.00", *tx.AmountUSD)
	require.NotNil(t, tx.BlockTime)
	assert.Equal(t, 2024, tx.BlockTime.Year())
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, "sig8", page.Pagination.NextBefore)
}

func TestTransactions_DefaultsOmitQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`{"transactions": [], "pagination": {"limit": 10, "has_more": false}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	page, err := client.Transactions(context.Background(), "wallet123", TransactionsOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
	assert.Equal(t, 10, page.Pagination.Limit)
}

func TestTransactions_LastKnown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{
			"error": "transactions temporarily unavailable",
			"code": "ledger_unavailable",
			"last_known": {"transactions": [{"signature": "old", "amount": "1"}], "pagination": {"limit": 10}}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Transactions(context.Background(), "wallet123", TransactionsOptions{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "ledger_unavailable", apiErr.Code)
	require.NotNil(t, apiErr.LastKnown)
	assert.Equal(t, "old", apiErr.LastKnown.Transactions[0].Signature)
}

func TestBalanceAndRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/wallets/wallet123/balance":
			w.Write([]byte(`{"balance": "2", "balanceUSD": "300", "rate": 150}`))
		case "/api/v1/rates/USD":
			w.Write([]byte(`{"base": "SOL", "quote": "USD", "rate": 150}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	bal, err := client.Balance(context.Background(), "wallet123")
	require.NoError(t, err)
	assert.Equal(t, "300", bal.BalanceUSD.String())
	assert.Equal(t, 150.0, bal.Rate)

	rate, err := client.Rate(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, "SOL", rate.Base)
	assert.Equal(t, 150.0, rate.Rate)
}

func TestNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Balance(context.Background(), "wallet123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "Internal Server Error")
}
