// Package watcher polls watched addresses and publishes what changed.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/solboard/service/db"
	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/reconcile"
	"github.com/brojonat/solboard/service/solana"
)

// ErrInFlight is returned by Poll when the address is already being polled.
var ErrInFlight = errors.New("watcher: poll already in flight")

// Reconciler produces the merged view for an address.
type Reconciler interface {
	Reconcile(ctx context.Context, address string, page reconcile.Page) (*reconcile.Result, error)
}

// Balances reads the current ledger balance.
type Balances interface {
	GetBalance(ctx context.Context, address string) (solana.Lamports, error)
}

// Summaries reads store aggregates for earnings and leaderboard events.
type Summaries interface {
	GetEarnings(ctx context.Context, address string) (*db.Earnings, error)
	Leaderboard(ctx context.Context, limit int32) ([]*db.LeaderboardEntry, error)
}

// Rates converts lamports to the quote currency.
type Rates interface {
	GetRate(ctx context.Context, quote string) float64
}

// Config wires a Watcher. Reconciler and Publisher are required.
type Config struct {
	Interval        time.Duration
	PageSize        int
	LeaderboardSize int
	Quote           string

	Reconciler Reconciler
	Balances   Balances
	Summaries  Summaries
	Rates      Rates
	Publisher  pubsub.Publisher
	// Subscriber, when set, pokes an address as soon as its account changes.
	Subscriber *solana.Subscriber

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

const (
	DefaultInterval        = 10 * time.Second
	DefaultLeaderboardSize = 10
)

// watermark is what a watcher has already published for an address: the
// newest signature and every signature of the last view.
type watermark struct {
	newest string
	seen   map[string]struct{}
}

// Watcher is the change-detection loop. The ticker only runs while at least
// one address is watched.
type Watcher struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	watched    map[string]context.CancelFunc
	watermarks map[string]watermark
	inFlight   map[string]bool
	ticking    bool

	changed chan struct{}
	pokes   chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped Watcher. Call Start to begin polling.
func New(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = reconcile.DefaultPageSize
	}
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = DefaultLeaderboardSize
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:        cfg,
		logger:     logger.With("component", "watcher"),
		watched:    make(map[string]context.CancelFunc),
		watermarks: make(map[string]watermark),
		inFlight:   make(map[string]bool),
		changed:    make(chan struct{}, 1),
		pokes:      make(chan string, 64),
	}
}

// Start runs the loop until ctx is done or Shutdown is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	for addr := range w.watched {
		w.watched[addr] = w.subscribeLocked(addr)
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	w.signal()
}

// Shutdown stops the loop and waits for in-flight polls to finish.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// StartWatching adds address to the monitored set. Watching an address
// twice is a no-op.
func (w *Watcher) StartWatching(address string) {
	w.mu.Lock()
	if _, ok := w.watched[address]; ok {
		w.mu.Unlock()
		return
	}
	w.watched[address] = w.subscribeLocked(address)
	n := len(w.watched)
	w.mu.Unlock()

	w.cfg.Metrics.RecordWatchedAddresses(n)
	w.logger.Info("watching address", "address", address, "watched", n)
	w.signal()
	w.Poke(address)
}

// StopWatching removes address and forgets its watermark.
func (w *Watcher) StopWatching(address string) {
	w.mu.Lock()
	cancel, ok := w.watched[address]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.watched, address)
	delete(w.watermarks, address)
	n := len(w.watched)
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.cfg.Metrics.RecordWatchedAddresses(n)
	w.logger.Info("stopped watching address", "address", address, "watched", n)
	w.signal()
}

// Watched returns the monitored addresses, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for addr := range w.watched {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Ticking reports whether the interval timer is running.
func (w *Watcher) Ticking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticking
}

// Watermark returns the newest signature seen for address.
func (w *Watcher) Watermark(address string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mark, ok := w.watermarks[address]
	return mark.newest, ok
}

// Poke requests an immediate poll of a watched address.
func (w *Watcher) Poke(address string) {
	select {
	case w.pokes <- address:
	default:
		w.cfg.Metrics.RecordWatcherSkip("poke_dropped")
	}
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// subscribeLocked starts the push trigger for address. w.mu must be held.
func (w *Watcher) subscribeLocked(address string) context.CancelFunc {
	if w.cfg.Subscriber == nil || w.ctx == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.cfg.Subscriber.Run(ctx, address, func(solana.Lamports) { w.Poke(address) })
		if err != nil {
			w.logger.Error("push trigger stopped, polling only", "address", address, "error", err)
		}
	}()
	return cancel
}

func (w *Watcher) run() {
	defer w.wg.Done()

	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	stop := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		w.setTicking(false)
	}
	defer stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-w.changed:
			n := len(w.Watched())
			switch {
			case n > 0 && ticker == nil:
				ticker = time.NewTicker(w.cfg.Interval)
				tickC = ticker.C
				w.setTicking(true)
				w.logger.Debug("ticker started", "interval", w.cfg.Interval)
			case n == 0 && ticker != nil:
				stop()
				w.logger.Debug("ticker stopped")
			}

		case <-tickC:
			w.cfg.Metrics.RecordWatcherTick()
			for _, addr := range w.Watched() {
				w.pollAsync(addr)
			}

		case addr := <-w.pokes:
			if w.isWatched(addr) {
				w.pollAsync(addr)
			}
		}
	}
}

func (w *Watcher) setTicking(v bool) {
	w.mu.Lock()
	w.ticking = v
	w.mu.Unlock()
}

func (w *Watcher) isWatched(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[address]
	return ok
}

func (w *Watcher) pollAsync(address string) {
	if !w.acquire(address) {
		w.cfg.Metrics.RecordWatcherSkip("in_flight")
		w.logger.Debug("poll still in flight, skipping", "address", address)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(address)
		if err := w.poll(w.ctx, address); err != nil && w.ctx.Err() == nil {
			w.logger.Warn("poll failed", "address", address, "error", err)
		}
	}()
}

func (w *Watcher) acquire(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[address] {
		return false
	}
	w.inFlight[address] = true
	return true
}

func (w *Watcher) release(address string) {
	w.mu.Lock()
	delete(w.inFlight, address)
	w.mu.Unlock()
}

// Poll runs one change-detection pass for address in the caller's
// goroutine, honouring the in-flight guard. The watermark is only kept for
// watched addresses.
func (w *Watcher) Poll(ctx context.Context, address string) error {
	if !w.acquire(address) {
		w.cfg.Metrics.RecordWatcherSkip("in_flight")
		return ErrInFlight
	}
	defer w.release(address)
	return w.poll(ctx, address)
}

func (w *Watcher) poll(ctx context.Context, address string) error {
	res, err := w.cfg.Reconciler.Reconcile(ctx, address, reconcile.Page{Limit: w.cfg.PageSize})
	if err != nil {
		return err
	}

	newest := res.Newest()
	w.mu.Lock()
	prev, observed := w.watermarks[address]
	w.mu.Unlock()

	// New records are the ones not published before, whether they landed
	// inside the page or past it. Position relative to the previous newest
	// is not enough: same-second payments can sort below it.
	fresh := res.Unseen(prev.seen)
	if observed && len(fresh) == 0 {
		w.cfg.Metrics.RecordWatcherSkip("unchanged")
		return nil
	}

	w.mu.Lock()
	if _, ok := w.watched[address]; ok {
		w.watermarks[address] = watermark{newest: newest, seen: res.Signatures()}
	}
	w.mu.Unlock()

	w.cfg.Metrics.RecordChangeDetected()
	w.logger.Info("change detected",
		"address", address,
		"previous", prev.newest,
		"newest", newest,
		"new_records", len(fresh),
	)
	w.publish(ctx, address, fresh)
	return nil
}

// publish emits transaction events oldest first, then balance and earnings
// for the address, then the global leaderboard. Failures are logged.
func (w *Watcher) publish(ctx context.Context, address string, fresh []reconcile.Record) {
	topic := pubsub.AddressTopic(address)
	rate := w.rate(ctx)

	for i := len(fresh) - 1; i >= 0; i-- {
		w.emit(ctx, topic, pubsub.EventTransaction, TransactionPayload(fresh[i], rate))
	}

	if w.cfg.Balances != nil {
		if bal, err := w.cfg.Balances.GetBalance(ctx, address); err != nil {
			w.logger.Warn("balance lookup failed", "address", address, "error", err)
		} else {
			w.emit(ctx, topic, pubsub.EventBalance, BalancePayload(bal, rate))
		}
	}

	if w.cfg.Summaries == nil {
		return
	}
	if e, err := w.cfg.Summaries.GetEarnings(ctx, address); err != nil {
		w.logger.Warn("earnings lookup failed", "address", address, "error", err)
	} else {
		w.emit(ctx, topic, pubsub.EventEarnings, EarningsPayload(e))
	}

	if entries, err := w.cfg.Summaries.Leaderboard(ctx, int32(w.cfg.LeaderboardSize)); err != nil {
		w.logger.Warn("leaderboard lookup failed", "error", err)
	} else {
		w.emit(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, LeaderboardPayload(entries))
	}
}

func (w *Watcher) emit(ctx context.Context, topic pubsub.Topic, eventType string, payload any) {
	if err := w.cfg.Publisher.Publish(ctx, topic, eventType, payload); err != nil {
		w.logger.Warn("publish failed", "topic", topic, "type", eventType, "error", err)
	}
}

func (w *Watcher) rate(ctx context.Context) float64 {
	if w.cfg.Rates == nil {
		return 0
	}
	return w.cfg.Rates.GetRate(ctx, w.cfg.Quote)
}
