// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package metrics provides Prometheus instrumentation for the portal server:
// channel sessions, subscription counts, dispatch throughput, the mobile
// ingest bridge and API endpoint latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_active_sessions",
			Help: "Current number of connected operator sessions",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channel_active_subscriptions",
			Help: "Current number of (session, shipment) subscription pairs",
		},
	)

	// Dispatcher metrics
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_total",
			Help: "Total number of domain events dispatched, by type",
		},
		[]string{"type"},
	)

	SessionsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_session_deliveries_total",
			Help: "Total per-session event deliveries",
		},
	)

	SessionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_sessions_dropped_total",
			Help: "Sessions evicted because their send buffer was full",
		},
	)

	// Bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Domain events published onto the in-process bus, by type",
		},
		[]string{"type"},
	)

	// Mobile ingest metrics
	IngestConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Mobile tracking messages consumed from NATS, by variant",
		},
		[]string{"variant"},
	)

	IngestDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_messages_dropped_total",
			Help: "Mobile tracking messages dropped (rate limit or parse failure)",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordDispatch records one event fan-out and how many sessions received it.
func RecordDispatch(eventType string, deliveries int) {
	EventsDispatched.WithLabelValues(eventType).Inc()
	SessionsDelivered.Add(float64(deliveries))
}

// RecordSessionDropped records a slow-session eviction.
func RecordSessionDropped() {
	SessionsDropped.Inc()
}

// RecordBusPublish records a domain event published onto the bus.
func RecordBusPublish(eventType string) {
	BusPublished.WithLabelValues(eventType).Inc()
}

// RecordIngest records a mobile tracking message consumed from NATS.
func RecordIngest(variant string) {
	IngestConsumed.WithLabelValues(variant).Inc()
}

// RecordIngestDropped records a mobile tracking message that was discarded.
func RecordIngestDropped() {
	IngestDropped.Inc()
}

// RecordAPIRequest records an API request with duration and status.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the active request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
