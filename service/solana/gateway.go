package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sony/gobreaker"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetBalance(
		ctx context.Context,
		address solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetBalanceResult, error)
}

// ErrTransactionNotFound is returned when the ledger has no record of a signature.
var ErrTransactionNotFound = errors.New("transaction not found")

// Client is the ledger gateway. Every call carries a timeout, runs through a
// circuit breaker and records metrics.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", rpc host)
	timeout  time.Duration
	retry    retry.Policy
	breaker  *gobreaker.CircuitBreaker
}

// ClientOptions configure a Client. Zero values select defaults.
type ClientOptions struct {
	Timeout                 time.Duration
	Retry                   retry.Policy
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

// NewClient creates a new ledger gateway client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ClientOptions) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.BreakerFailureThreshold <= 0 {
		opts.BreakerFailureThreshold = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}

	c := &Client{
		rpc:      rpcClient,
		logger:   logger.With("component", "ledger"),
		metrics:  m,
		endpoint: endpoint,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
	}

	threshold := uint32(opts.BreakerFailureThreshold)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "solana_rpc",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A missing transaction is an answer, not an outage.
			return err == nil || errors.Is(err, ErrTransactionNotFound) || errors.Is(err, rpc.ErrNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			c.metrics.RecordBreakerState(c.endpoint, int(to))
		},
	})

	return c
}

// call runs fn under the breaker with a per-call timeout and records metrics.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(callCtx)
	})

	status := "success"
	if err != nil {
		status = "error"
		if isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	return out, err
}

// GetSignatures lists signatures for address, most recent first. before, when
// non-empty, starts the listing strictly older than that signature.
func (c *Client) GetSignatures(ctx context.Context, address string, limit int, before string) ([]SignatureInfo, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("invalid before cursor %q: %w", before, err)
		}
		opts.Before = sig
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"address", address,
		"limit", limit,
		"before", before,
	)

	out, err := c.call(ctx, "GetSignaturesForAddress", func(ctx context.Context) (any, error) {
		return c.rpc.GetSignaturesForAddress(ctx, pubkey, opts)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get signatures", "address", address, "error", err)
		return nil, fmt.Errorf("get signatures for %s: %w", address, err)
	}

	sigs, _ := out.([]*rpc.TransactionSignature)
	infos := make([]SignatureInfo, 0, len(sigs))
	for _, s := range sigs {
		if s == nil {
			continue
		}
		infos = append(infos, signatureFromRPC(s))
	}
	return infos, nil
}

// GetTransaction fetches the full body of a transaction. Transient failures are
// retried with backoff; ErrTransactionNotFound is returned when the ledger has
// no such transaction.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*RawTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var result *rpc.GetTransactionResult
	versioned := true
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		txnOpts := &rpc.GetTransactionOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		}
		if versioned {
			maxVersion := uint64(0)
			txnOpts.MaxSupportedTransactionVersion = &maxVersion
		}

		out, err := c.call(ctx, "GetTransaction", func(ctx context.Context) (any, error) {
			return c.rpc.GetTransaction(ctx, sig, txnOpts)
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return retry.Permanent(ErrTransactionNotFound)
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return retry.Permanent(err)
			}
			// Some nodes reject the versioned request shape for legacy
			// transactions; retry once without it.
			if versioned && strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
				versioned = false
			}
			return err
		}

		result, _ = out.(*rpc.GetTransactionResult)
		if result == nil {
			return retry.Permanent(ErrTransactionNotFound)
		}
		return nil
	}, func(attempt int, err error) {
		reason := "timeout_or_error"
		if isRateLimited(err) {
			reason = "rate_limit"
		}
		c.metrics.RecordRPCRetry("GetTransaction", reason)
		c.logger.WarnContext(ctx, "failed to get transaction on attempt",
			"signature", signature,
			"attempt", attempt+1,
			"reason", reason,
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}

	raw, err := rawFromResult(signature, result)
	if err != nil {
		return nil, fmt.Errorf("parse transaction %s: %w", signature, err)
	}
	return raw, nil
}

// GetBalance returns the confirmed balance of address in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (Lamports, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", address, err)
	}

	out, err := c.call(ctx, "GetBalance", func(ctx context.Context) (any, error) {
		return c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	})
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", address, err)
	}
	res, _ := out.(*rpc.GetBalanceResult)
	if res == nil {
		return 0, fmt.Errorf("get balance for %s: empty result", address)
	}
	return Lamports(res.Value), nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}

// ValidAddress reports whether s is a base58 ed25519 public key.
func ValidAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}
