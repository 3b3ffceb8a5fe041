package pubsub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topic names a fan-out channel. Either "address:<base58>" or "global".
type Topic string

const (
	// GlobalTopic carries dashboard-wide events such as the leaderboard.
	GlobalTopic Topic = "global"

	addressPrefix = "address:"
)

// AddressTopic returns the per-wallet topic for address.
func AddressTopic(address string) Topic {
	return Topic(addressPrefix + address)
}

// Address returns the wallet address of a per-wallet topic.
func (t Topic) Address() (string, bool) {
	if !strings.HasPrefix(string(t), addressPrefix) {
		return "", false
	}
	addr := strings.TrimPrefix(string(t), addressPrefix)
	return addr, addr != ""
}

// Token is the topic rendered as a single NATS subject token.
func (t Topic) Token() string {
	if addr, ok := t.Address(); ok {
		return "address_" + addr
	}
	return string(t)
}

// Event types.
const (
	EventTransaction = "transaction"
	EventBalance     = "balance"
	EventEarnings    = "earnings"
	EventLeaderboard = "leaderboard"
)

// Event is the envelope delivered to subscribers on every transport.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     Topic           `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into an event envelope.
func NewEvent(topic Topic, eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// TransactionPayload announces a newly observed payment.
type TransactionPayload struct {
	Signature   string          `json:"signature"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Amount      decimal.Decimal `json:"amount"`
	AmountUSD   decimal.Decimal `json:"amountUSD"`
	Direction   string          `json:"direction"`
	BlockTime   *time.Time      `json:"blockTime"`
}

// BalancePayload is the current ledger balance of a wallet.
type BalancePayload struct {
	Balance    decimal.Decimal `json:"balance"`
	BalanceUSD decimal.Decimal `json:"balanceUSD"`
	Rate       float64         `json:"rate"`
}

// EarningsPayload totals the confirmed inbound payments of a wallet.
type EarningsPayload struct {
	TotalReceived    decimal.Decimal `json:"totalReceived"`
	TotalReceivedUSD decimal.Decimal `json:"totalReceivedUSD"`
	Count            int64           `json:"count"`
}

type LeaderboardEntry struct {
	Address       string          `json:"address"`
	TotalReceived decimal.Decimal `json:"totalReceived"`
	Count         int64           `json:"count"`
}

type LeaderboardPayload struct {
	Entries []LeaderboardEntry `json:"entries"`
}
