// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/metrics"
	"github.com/fieldtrack/trackd/internal/models"
)

// BreakerClient wraps a Client with a circuit breaker so that a dead or
// flapping remote service stops consuming the drain loop's time budget.
// While the breaker is open every delivery fails fast; pending records stay
// buffered and their attempt counters keep the failure visible.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient wraps the given client.
func NewBreakerClient(inner Client) *BreakerClient {
	name := "sync-remote"
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("component", "syncer").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}

	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// DeliverLocations implements Client.
func (b *BreakerClient) DeliverLocations(ctx context.Context, employeeID string, samples []models.LocationSample) (map[int64]bool, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.inner.DeliverLocations(ctx, employeeID, samples)
	})
	b.observe(err)
	if err != nil {
		return nil, err
	}
	return result.(map[int64]bool), nil
}

// DeliverCheckout implements Client.
func (b *BreakerClient) DeliverCheckout(ctx context.Context, rec *models.EmergencyCheckoutRecord) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.DeliverCheckout(ctx, rec)
	})
	b.observe(err)
	return err
}

// DeliverManualCheckout implements Client.
func (b *BreakerClient) DeliverManualCheckout(ctx context.Context, employeeID, checkOutData string, last *models.LocationSample) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.DeliverManualCheckout(ctx, employeeID, checkOutData, last)
	})
	b.observe(err)
	return err
}

// observe classifies one call through the breaker for the request counter.
func (b *BreakerClient) observe(err error) {
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.breaker.Name(), result).Inc()
}
