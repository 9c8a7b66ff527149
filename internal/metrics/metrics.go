// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package metrics provides Prometheus instrumentation for the relay:
// adapter event flow, reconciler decisions, sink delivery, and webhook
// intake. Metrics are exposed at /metrics in Prometheus text format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Adapter metrics
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_events_decoded_total",
			Help: "Scrobble events decoded from provider payloads",
		},
		[]string{"source", "action"},
	)

	WatcherConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchrelay_watcher_connected",
			Help: "Watcher connection state (1=connected/polling, 0=down)",
		},
		[]string{"source", "instance"},
	)

	WatcherReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_watcher_reconnects_total",
			Help: "Watcher reconnection attempts",
		},
		[]string{"source", "instance"},
	)

	// Reconciler metrics
	ReconcilerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_reconciler_decisions_total",
			Help: "Reconciler outcomes per event",
		},
		[]string{"sink", "decision"}, // committed, debounced, suppressed, demoted, clamped, quarantined
	)

	// Sink delivery metrics
	SinkRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_sink_requests_total",
			Help: "HTTP requests to scrobble sinks",
		},
		[]string{"sink", "operation", "status"},
	)

	SinkRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchrelay_sink_request_duration_seconds",
			Help:    "Sink request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink", "operation"},
	)

	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_sink_retries_total",
			Help: "Delivery retries per sink",
		},
		[]string{"sink", "reason"},
	)

	AutoRemoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_watchlist_autoremoves_total",
			Help: "Watchlist auto-removal side effects fired",
		},
		[]string{"sink", "result"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// Webhook metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_webhook_requests_total",
			Help: "Inbound webhook requests",
		},
		[]string{"endpoint", "status"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchrelay_webhook_request_duration_seconds",
			Help:    "Webhook handling latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"endpoint"},
	)
)

// RecordEvent counts a decoded scrobble event.
func RecordEvent(source, action string) {
	EventsDecoded.WithLabelValues(source, action).Inc()
}

// RecordDecision counts a reconciler outcome.
func RecordDecision(sink, decision string) {
	ReconcilerDecisions.WithLabelValues(sink, decision).Inc()
}

// RecordSinkRequest records one sink HTTP round trip.
func RecordSinkRequest(sink, operation string, status int, duration time.Duration) {
	SinkRequests.WithLabelValues(sink, operation, strconv.Itoa(status)).Inc()
	SinkRequestDuration.WithLabelValues(sink, operation).Observe(duration.Seconds())
}

// RecordWebhook records one webhook round trip.
func RecordWebhook(endpoint string, status int, duration time.Duration) {
	WebhookRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	WebhookDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetBreakerState publishes a circuit breaker state transition.
func SetBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
