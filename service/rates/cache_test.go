package rates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeOracle struct {
	mu    sync.Mutex
	price float64
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeOracle) GetPrice(ctx context.Context, base, quote string) (float64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

func (f *fakeOracle) set(price float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price, f.err = price, err
}

func newTestCache(o Oracle, ttl time.Duration, fallback float64) *Cache {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCache(o, Options{TTL: ttl, Fallback: fallback, Timeout: time.Second, FailureTTL: 20 * time.Millisecond}, nil, logger)
}

func TestGetRate_CachesWithinTTL(t *testing.T) {
	oracle := &fakeOracle{price: 150.0}
	c := newTestCache(oracle, time.Minute, 1)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "usd"))
	oracle.set(999, nil)
	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	assert.Equal(t, int32(1), oracle.calls.Load())
}

func TestGetRate_OracleFailureWithinTTLReturnsCached(t *testing.T) {
	oracle := &fakeOracle{price: 150.0}
	c := newTestCache(oracle, time.Minute, 1)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	oracle.set(0, errors.New("oracle down"))

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
}

func TestGetRate_ExpiredEntryFallsBackToLastKnown(t *testing.T) {
	oracle := &fakeOracle{price: 150.0}
	c := newTestCache(oracle, 20*time.Millisecond, 1)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	oracle.set(0, errors.New("oracle down"))
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	assert.Equal(t, int32(2), oracle.calls.Load(), "expired entry triggers a refetch")
}

func TestGetRate_FallbackOnlyForFallbackQuote(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	c := newTestCache(oracle, time.Minute, 150.0)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	assert.Equal(t, 0.0, c.GetRate(context.Background(), "JPY"), "no rate is known for JPY")
}

func TestGetRate_FailedLookupIsCachedBriefly(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	c := newTestCache(oracle, time.Minute, 150.0)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	}
	assert.Equal(t, int32(1), oracle.calls.Load(), "failures within FailureTTL do not hit the oracle")

	oracle.set(180, nil)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 180.0, c.GetRate(context.Background(), "USD"))
	assert.Equal(t, int32(2), oracle.calls.Load())
}

func TestGetRate_RefreshesAfterExpiry(t *testing.T) {
	oracle := &fakeOracle{price: 150.0}
	c := newTestCache(oracle, 20*time.Millisecond, 1)

	assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
	oracle.set(175.5, nil)
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, 175.5, c.GetRate(context.Background(), "USD"))
}

func TestGetRate_NoHistoryUsesFallback(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle down")}
	c := newTestCache(oracle, time.Minute, 142.0)

	assert.Equal(t, 142.0, c.GetRate(context.Background(), "USD"))
}

func TestGetRate_NonPositivePriceIsFailure(t *testing.T) {
	oracle := &fakeOracle{price: 0}
	c := newTestCache(oracle, time.Minute, 99.0)

	assert.Equal(t, 99.0, c.GetRate(context.Background(), "USD"))
}

func TestGetRate_CoalescesConcurrentMisses(t *testing.T) {
	oracle := &fakeOracle{price: 150.0, delay: 50 * time.Millisecond}
	c := newTestCache(oracle, time.Minute, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 150.0, c.GetRate(context.Background(), "USD"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), oracle.calls.Load())
}

func TestGetRate_CancelledCallerStillGetsRate(t *testing.T) {
	oracle := &fakeOracle{price: 150.0}
	c := newTestCache(oracle, time.Minute, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 150.0, c.GetRate(ctx, "USD"))
}
