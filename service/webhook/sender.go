// Package webhook delivers dashboard events to configured HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brojonat/solboard/service/metrics"
	"github.com/brojonat/solboard/service/pubsub"
	"github.com/brojonat/solboard/service/retry"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("webhook: sender closed")

// StatusError is a non-2xx response from an endpoint.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// retryable reports whether a status is worth retrying. Client errors other
// than 408 and 429 are not.
func (e *StatusError) retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

// Options configure a Sender.
type Options struct {
	URLs   []string
	Policy retry.Policy
	// QueueSize bounds the events waiting for delivery.
	QueueSize  int
	HTTPClient *http.Client
	// DrainTimeout bounds how long Close waits for queued deliveries before
	// cancelling them. Defaults to 10s.
	DrainTimeout time.Duration
}

// Sender is a pubsub.Publisher that POSTs every event to each URL. Delivery
// is asynchronous; a full queue drops the event.
type Sender struct {
	urls   []string
	policy retry.Policy
	client *http.Client
	queue  chan pubsub.Event
	drain  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSender starts the delivery worker. Close stops it.
func NewSender(opts Options, m *metrics.Metrics, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		urls:    opts.URLs,
		policy:  opts.Policy,
		client:  opts.HTTPClient,
		queue:   make(chan pubsub.Event, opts.QueueSize),
		drain:   opts.DrainTimeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "webhook"),
		metrics: m,
	}
	s.wg.Add(1)
	go s.work()
	return s
}

func (s *Sender) Publish(ctx context.Context, topic pubsub.Topic, eventType string, payload any) error {
	event, err := pubsub.NewEvent(topic, eventType, payload)
	if err != nil {
		return err
	}
	return s.PublishEvent(ctx, event)
}

// PublishEvent queues event for delivery.
func (s *Sender) PublishEvent(_ context.Context, event pubsub.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- event:
	default:
		s.metrics.RecordWebhookDelivery("dropped")
		s.logger.Warn("webhook queue full, dropping event", "type", event.Type, "id", event.ID)
	}
	return nil
}

// Close stops accepting events and waits up to DrainTimeout for queued
// deliveries. Deliveries still running after that are cancelled and the
// rest of the queue is dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.drain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("webhook drain timed out, cancelling deliveries",
			"timeout", s.drain,
			"pending", len(s.queue),
		)
		s.cancel()
		<-done
	}
	s.cancel()
}

func (s *Sender) work() {
	defer s.wg.Done()
	for event := range s.queue {
		if s.ctx.Err() != nil {
			s.metrics.RecordWebhookDelivery("dropped")
			continue
		}
		for _, url := range s.urls {
			if err := s.Deliver(s.ctx, url, event); err != nil {
				s.logger.Error("webhook delivery failed",
					"url", url,
					"type", event.Type,
					"id", event.ID,
					"error", err,
				)
			}
		}
	}
}

// Deliver POSTs event to url, retrying with the sender's policy.
func (s *Sender) Deliver(ctx context.Context, url string, event pubsub.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.policy.Do(ctx, func(ctx context.Context) error {
		err := s.post(ctx, url, event, body)
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		s.metrics.RecordWebhookDelivery("retry")
		s.logger.Warn("webhook delivery retry", "url", url, "attempt", attempt+1, "error", err)
	})
	if err != nil {
		s.metrics.RecordWebhookDelivery("failed")
		return err
	}
	s.metrics.RecordWebhookDelivery("delivered")
	return nil
}

func (s *Sender) post(ctx context.Context, url string, event pubsub.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Solboard-Event", event.Type)
	req.Header.Set("X-Delivery-ID", event.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
