package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// SubscriptionState describes a live account subscription.
type SubscriptionState string

const (
	StateConnecting   SubscriptionState = "connecting"
	StateConnected    SubscriptionState = "connected"
	StateReconnecting SubscriptionState = "reconnecting"
	StateFailed       SubscriptionState = "failed"
	StateStopped      SubscriptionState = "stopped"
)

// ErrSubscriptionFailed is returned once reconnection attempts are exhausted.
// The subscription stays failed until it is started again.
var ErrSubscriptionFailed = errors.New("account subscription failed permanently")

// AccountStream yields balance notifications for one account.
type AccountStream interface {
	Next(ctx context.Context) (Lamports, error)
	Close()
}

// DialFunc opens an AccountStream for address.
type DialFunc func(ctx context.Context, address string) (AccountStream, error)

// Subscriber keeps account subscriptions alive, reconnecting with backoff.
type Subscriber struct {
	dial    DialFunc
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	states map[string]SubscriptionState
}

// NewSubscriber creates a Subscriber. policy.MaxAttempts caps consecutive
// reconnection attempts.
func NewSubscriber(dial DialFunc, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		dial:    dial,
		policy:  policy,
		logger:  logger.With("component", "ledger_subscriber"),
		metrics: m,
		states:  make(map[string]SubscriptionState),
	}
}

// State reports the subscription state for address.
func (s *Subscriber) State(address string) SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[address]; ok {
		return st
	}
	return StateStopped
}

// States returns a snapshot of every subscription state.
func (s *Subscriber) States() map[string]SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SubscriptionState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *Subscriber) setState(address string, st SubscriptionState) {
	s.mu.Lock()
	s.states[address] = st
	s.mu.Unlock()
}

// Run subscribes to address and calls onChange for every notification until
// ctx is done. A dropped stream is redialed after policy.Delay(attempt); a
// successful dial resets the attempt count. Run returns ErrSubscriptionFailed
// when the cap is exceeded and nil when ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, address string, onChange func(Lamports)) error {
	attempt := 0
	s.setState(address, StateConnecting)

	for {
		stream, err := s.dial(ctx, address)
		if err == nil {
			attempt = 0
			s.setState(address, StateConnected)
			s.metrics.RecordSubscriptionChange(1)
			s.logger.InfoContext(ctx, "account subscription connected", "address", address)

			err = s.consume(ctx, stream, onChange)
			stream.Close()
			s.metrics.RecordSubscriptionChange(-1)
		}

		if ctx.Err() != nil {
			s.setState(address, StateStopped)
			return nil
		}

		if attempt >= s.policy.MaxAttempts {
			s.setState(address, StateFailed)
			s.logger.ErrorContext(ctx, "account subscription giving up",
				"address", address,
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, address, err)
		}

		delay := s.policy.Delay(attempt)
		attempt++
		s.setState(address, StateReconnecting)
		s.logger.WarnContext(ctx, "account subscription dropped, reconnecting",
			"address", address,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			s.setState(address, StateStopped)
			return nil
		}
	}
}

func (s *Subscriber) consume(ctx context.Context, stream AccountStream, onChange func(Lamports)) error {
	for {
		lamports, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		onChange(lamports)
	}
}

// NewWSDialer returns a DialFunc backed by the solana-go websocket client,
// subscribing at confirmed commitment.
func NewWSDialer(wsURL string) DialFunc {
	return func(ctx context.Context, address string) (AccountStream, error) {
		pubkey, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", address, err)
		}
		client, err := ws.Connect(ctx, wsURL)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", wsURL, err)
		}
		sub, err := client.AccountSubscribe(pubkey, rpc.CommitmentConfirmed)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("account subscribe %s: %w", address, err)
		}
		return &wsAccountStream{client: client, sub: sub}, nil
	}
}

type wsAccountStream struct {
	client *ws.Client
	sub    *ws.AccountSubscription
}

func (w *wsAccountStream) Next(ctx context.Context) (Lamports, error) {
	got, err := w.sub.Recv(ctx)
	if err != nil {
		return 0, err
	}
	if got == nil {
		return 0, nil
	}
	return Lamports(got.Value.Lamports), nil
}

func (w *wsAccountStream) Close() {
	w.sub.Unsubscribe()
	w.client.Close()
}
