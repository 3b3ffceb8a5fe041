package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics.
// All Record* helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Ledger RPC
	rpcCallsTotal    *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec
	rpcRateLimitHits *prometheus.CounterVec
	rpcRetries       *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	subscriptionUp   prometheus.Gauge

	// Classification and reconciliation
	paymentsClassified   *prometheus.CounterVec
	transactionsWritten  *prometheus.CounterVec
	transactionsSkipped  *prometheus.CounterVec
	reconcileDuration    *prometheus.HistogramVec
	reconcileStaleServed prometheus.Counter

	// Change detection
	watcherTicks     prometheus.Counter
	watcherSkips     *prometheus.CounterVec
	watchedAddresses prometheus.Gauge
	changesDetected  prometheus.Counter

	// Fan-out
	eventsPublished    *prometheus.CounterVec
	subscribersDropped *prometheus.CounterVec
	activeSubscribers  *prometheus.GaugeVec

	// Exchange rate
	rateLookups *prometheus.CounterVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS and webhooks
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
	webhookDeliveries     *prometheus.CounterVec

	// Temporal
	activityDuration *prometheus.HistogramVec
	activityTotal    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "solana_rpc_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),
		subscriptionUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "solana_account_subscriptions_up",
				Help: "Number of live account subscriptions",
			},
		),

		paymentsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_classified_total",
				Help: "Total number of raw transactions run through the classifier",
			},
			[]string{"result"},
		),
		transactionsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_written_total",
				Help: "Total number of transactions written to the store",
			},
			[]string{"direction"},
		),
		transactionsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_skipped_total",
				Help: "Total number of transactions skipped during reconciliation",
			},
			[]string{"reason"},
		),
		reconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_duration_seconds",
				Help:    "Duration of a reconciliation pass in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		reconcileStaleServed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reconcile_stale_views_served_total",
				Help: "Total number of times a last-known view was returned on failure",
			},
		),

		watcherTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "watcher_ticks_total",
				Help: "Total number of change-detection ticks",
			},
		),
		watcherSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_skips_total",
				Help: "Total number of per-address polls skipped",
			},
			[]string{"reason"},
		),
		watchedAddresses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "watcher_watched_addresses",
				Help: "Number of addresses currently watched",
			},
		),
		changesDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "watcher_changes_detected_total",
				Help: "Total number of polls that detected new activity",
			},
		),

		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of events published to subscribers",
			},
			[]string{"event_type"},
		),
		subscribersDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscribers_dropped_total",
				Help: "Total number of subscribers dropped during delivery",
			},
			[]string{"reason"},
		),
		activeSubscribers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_subscribers",
				Help: "Number of active subscribers by transport",
			},
			[]string{"transport"},
		),

		rateLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_rate_lookups_total",
				Help: "Total number of exchange rate lookups by outcome",
			},
			[]string{"outcome"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
		webhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook deliveries by status",
			},
			[]string{"status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activity executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity"},
		),
		activityTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "temporal_activities_total",
				Help: "Total number of Temporal activity executions by status",
			},
			[]string{"activity", "status"},
		),
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.rpcRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.rpcRetries.WithLabelValues(method, reason).Inc()
}

// RecordBreakerState records the circuit breaker state for an endpoint.
func (m *Metrics) RecordBreakerState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordSubscriptionChange records a live account subscription going up or down.
func (m *Metrics) RecordSubscriptionChange(delta float64) {
	if m == nil {
		return
	}
	m.subscriptionUp.Add(delta)
}

// Reconciliation metric helpers

// RecordClassified records a classifier outcome ("payment" or "rejected").
func (m *Metrics) RecordClassified(result string) {
	if m == nil {
		return
	}
	m.paymentsClassified.WithLabelValues(result).Inc()
}

// RecordTransactionsWritten records transactions written to the store.
func (m *Metrics) RecordTransactionsWritten(direction string, count int) {
	if m == nil {
		return
	}
	m.transactionsWritten.WithLabelValues(direction).Add(float64(count))
}

// RecordTransactionsSkipped records transactions skipped.
func (m *Metrics) RecordTransactionsSkipped(reason string, count int) {
	if m == nil {
		return
	}
	m.transactionsSkipped.WithLabelValues(reason).Add(float64(count))
}

// RecordReconcile records the duration and outcome of a reconciliation pass.
func (m *Metrics) RecordReconcile(status string, duration float64) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(status).Observe(duration)
}

// RecordStaleServed records that a last-known view was returned.
func (m *Metrics) RecordStaleServed() {
	if m == nil {
		return
	}
	m.reconcileStaleServed.Inc()
}

// Change detection metric helpers

// RecordWatcherTick records a change-detection tick.
func (m *Metrics) RecordWatcherTick() {
	if m == nil {
		return
	}
	m.watcherTicks.Inc()
}

// RecordWatcherSkip records a skipped per-address poll.
func (m *Metrics) RecordWatcherSkip(reason string) {
	if m == nil {
		return
	}
	m.watcherSkips.WithLabelValues(reason).Inc()
}

// RecordWatchedAddresses records the current size of the watched set.
func (m *Metrics) RecordWatchedAddresses(n int) {
	if m == nil {
		return
	}
	m.watchedAddresses.Set(float64(n))
}

// RecordChangeDetected records a poll that found new activity.
func (m *Metrics) RecordChangeDetected() {
	if m == nil {
		return
	}
	m.changesDetected.Inc()
}

// Fan-out metric helpers

// RecordEventPublished records an event being published.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordSubscriberDropped records a subscriber removed during delivery.
func (m *Metrics) RecordSubscriberDropped(reason string) {
	if m == nil {
		return
	}
	m.subscribersDropped.WithLabelValues(reason).Inc()
}

// RecordSubscriberChange records a change in active subscribers for a transport.
func (m *Metrics) RecordSubscriberChange(transport string, delta float64) {
	if m == nil {
		return
	}
	m.activeSubscribers.WithLabelValues(transport).Add(delta)
}

// RecordRateLookup records an exchange rate lookup outcome
// ("hit", "miss", "stale", "fallback").
func (m *Metrics) RecordRateLookup(outcome string) {
	if m == nil {
		return
	}
	m.rateLookups.WithLabelValues(outcome).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS and webhook metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// RecordWebhookDelivery records a webhook delivery outcome.
func (m *Metrics) RecordWebhookDelivery(status string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(status).Inc()
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// Temporal metric helpers

// RecordActivity records one activity execution.
func (m *Metrics) RecordActivity(activity string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity).Observe(duration)
	m.activityTotal.WithLabelValues(activity, status).Inc()
}
