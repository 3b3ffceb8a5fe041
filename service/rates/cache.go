// Package rates caches exchange rates from a price oracle.
package rates

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solboard/service/metrics"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Options configure a Cache. Zero values select defaults.
type Options struct {
	// Base is the currency being priced. Defaults to SOL.
	Base string
	TTL  time.Duration
	// Fallback is served for FallbackQuote (default USD) when the oracle
	// has never answered. Other quotes get 0.
	Fallback      float64
	FallbackQuote string
	Timeout       time.Duration
	// FailureTTL is how long a failed lookup is answered without asking
	// the oracle again. Defaults to 10s.
	FailureTTL time.Duration
}

// Cache is a TTL cache in front of an Oracle. Lookups never fail: when the
// oracle is unavailable the last known rate is used, then Fallback.
type Cache struct {
	oracle        Oracle
	base          string
	ttl           time.Duration
	fallback      float64
	fallbackQuote string
	timeout       time.Duration

	fresh  *gocache.Cache
	last   *gocache.Cache
	failed *gocache.Cache
	group  singleflight.Group

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCache creates a rate cache over oracle.
func NewCache(oracle Oracle, opts Options, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Base == "" {
		opts.Base = "SOL"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FallbackQuote == "" {
		opts.FallbackQuote = "USD"
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 10 * time.Second
	}
	return &Cache{
		oracle:        oracle,
		base:          strings.ToUpper(opts.Base),
		ttl:           opts.TTL,
		fallback:      opts.Fallback,
		fallbackQuote: strings.ToUpper(opts.FallbackQuote),
		timeout:       opts.Timeout,
		fresh:         gocache.New(opts.TTL, 2*opts.TTL),
		last:          gocache.New(gocache.NoExpiration, 0),
		failed:        gocache.New(opts.FailureTTL, 2*opts.FailureTTL),
		logger:        logger.With("component", "rates"),
		metrics:       m,
	}
}

// Base returns the currency being priced.
func (c *Cache) Base() string {
	return c.base
}

// GetRate returns the price of the base currency in quote, or 0 when no
// rate is known for quote.
func (c *Cache) GetRate(ctx context.Context, quote string) float64 {
	quote = strings.ToUpper(quote)

	if v, ok := c.fresh.Get(quote); ok {
		c.metrics.RecordRateLookup("hit")
		return v.(float64)
	}
	if v, ok := c.failed.Get(quote); ok {
		c.metrics.RecordRateLookup("failed")
		return v.(float64)
	}
	c.metrics.RecordRateLookup("miss")

	// Concurrent misses share one oracle call. The call is detached from
	// any single caller's cancellation.
	v, _, _ := c.group.Do(quote, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		rate, err := c.oracle.GetPrice(fetchCtx, c.base, quote)
		if err == nil && rate > 0 {
			c.fresh.Set(quote, rate, gocache.DefaultExpiration)
			c.last.Set(quote, rate, gocache.NoExpiration)
			return rate, nil
		}

		if v, ok := c.last.Get(quote); ok {
			c.metrics.RecordRateLookup("stale")
			c.logger.WarnContext(ctx, "price oracle unavailable, using last known rate",
				"quote", quote,
				"rate", v,
				"error", err,
			)
			c.failed.SetDefault(quote, v)
			return v.(float64), nil
		}

		fallback := 0.0
		if quote == c.fallbackQuote {
			fallback = c.fallback
		}
		c.metrics.RecordRateLookup("fallback")
		c.logger.WarnContext(ctx, "price oracle unavailable, using fallback rate",
			"quote", quote,
			"rate", fallback,
			"error", err,
		)
		c.failed.SetDefault(quote, fallback)
		return fallback, nil
	})
	return v.(float64)
}

// Set stores a rate as if it had come from the oracle.
func (c *Cache) Set(quote string, rate float64) {
	quote = strings.ToUpper(quote)
	c.fresh.Set(quote, rate, gocache.DefaultExpiration)
	c.last.Set(quote, rate, gocache.NoExpiration)
	c.failed.Delete(quote)
}
