package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func testEvent(t *testing.T) pubsub.Event {
	t.Helper()
	e, err := pubsub.NewEvent(pubsub.AddressTopic("W"), pubsub.EventBalance, pubsub.BalancePayload{Rate: 150})
	require.NoError(t, err)
	return e
}

func TestDeliver_Headers(t *testing.T) {
	var (
		mu       sync.Mutex
		got      *http.Request
		gotEvent pubsub.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = r
		_ = json.NewDecoder(r.Body).Decode(&gotEvent)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender(Options{Policy: fastPolicy}, nil, nil)
	defer s.Close()
	event := testEvent(t)

	require.NoError(t, s.Deliver(context.Background(), srv.URL, event))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, pubsub.EventBalance, got.Header.Get("X-Solboard-Event"))
	assert.Equal(t, event.ID, got.Header.Get("X-Delivery-ID"))
	assert.Equal(t, event.ID, gotEvent.ID)
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(Options{Policy: fastPolicy}, nil, nil)
	defer s.Close()

	require.NoError(t, s.Deliver(context.Background(), srv.URL, testEvent(t)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSender(Options{Policy: fastPolicy}, nil, nil)
	defer s.Close()

	err := s.Deliver(context.Background(), srv.URL, testEvent(t))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliver_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSender(Options{Policy: fastPolicy}, nil, nil)
	defer s.Close()

	err := s.Deliver(context.Background(), srv.URL, testEvent(t))
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPublish_DeliversToEveryURL(t *testing.T) {
	var a, b atomic.Int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { a.Add(1) }))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { b.Add(1) }))
	defer srvB.Close()

	s := NewSender(Options{URLs: []string{srvA.URL, srvB.URL}, Policy: fastPolicy}, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, pubsub.LeaderboardPayload{}))
	require.NoError(t, s.Publish(ctx, pubsub.AddressTopic("W"), pubsub.EventTransaction, map[string]string{"signature": "s"}))

	s.Close()
	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load())

	assert.ErrorIs(t, s.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, nil), ErrClosed)
	s.Close()
}

func TestClose_BoundedByDrainTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	slow := retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	s := NewSender(Options{URLs: []string{srv.URL}, Policy: slow, DrainTimeout: 50 * time.Millisecond}, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, pubsub.LeaderboardPayload{}))
	}

	start := time.Now()
	s.Close()
	assert.Less(t, time.Since(start), time.Second, "close does not wait out the retry schedule")
	assert.Equal(t, int32(1), calls.Load(), "queued events are dropped once deliveries are cancelled")
}
