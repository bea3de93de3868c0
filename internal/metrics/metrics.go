// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package metrics provides Prometheus instrumentation for the tracking
// agent: store operations, sampler ticks, sync delivery outcomes, emergency
// checkouts, and the local HTTP API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	StoreWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_write_duration_seconds",
			Help:    "Duration of durable store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total number of durable store operation errors",
		},
		[]string{"operation", "table"},
	)

	// Sampler metrics
	SamplerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sampler_ticks_total",
			Help: "Total number of sampler ticks by fix outcome",
		},
		[]string{"outcome"}, // "fresh", "stale", "error"
	)

	SamplerFixWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sampler_fix_wait_seconds",
			Help:    "Time spent waiting for a location fix",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
		},
	)

	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_sessions_started_total",
			Help: "Total number of tracking sessions started",
		},
	)

	SessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_sessions_stopped_total",
			Help: "Total number of tracking sessions stopped by cause",
		},
		[]string{"cause"}, // "manual", "handoff", or a checkout reason
	)

	EmergencyCheckouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_checkouts_total",
			Help: "Total number of emergency checkout records written",
		},
		[]string{"reason"},
	)

	CountdownSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_countdown_seconds",
			Help: "Seconds remaining until the next scheduled sync attempt",
		},
	)

	// Sync metrics
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_drain_duration_seconds",
			Help:    "Duration of sync drain passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	SyncDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_deliveries_total",
			Help: "Total number of record delivery attempts by outcome",
		},
		[]string{"record_type", "outcome"}, // record_type: "location", "checkout"
	)

	SyncPendingRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_pending_records",
			Help: "Locally buffered records awaiting delivery",
		},
		[]string{"record_type"},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last fully successful drain pass",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through the circuit breaker",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Crash journal metrics
	JournalWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_writes_total",
			Help: "Total number of crash journal writes",
		},
	)

	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_errors_total",
			Help: "Total number of crash journal write failures",
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
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
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

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdatePendingRecords sets the pending gauges from a store count.
func UpdatePendingRecords(locations, checkouts int) {
	SyncPendingRecords.WithLabelValues("location").Set(float64(locations))
	SyncPendingRecords.WithLabelValues("checkout").Set(float64(checkouts))
}
