// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/metrics"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/store"
)

// ErrDrainInFlight means a drain pass for the same employee is already
// running. Callers treat it as "nothing to do"; the running pass covers the
// same records.
var ErrDrainInFlight = errors.New("drain already in flight for employee")

// ErrSyncDisabled means no remote URL is configured.
var ErrSyncDisabled = errors.New("sync is disabled")

// Engine drains buffered records to the remote service, oldest-first.
// Locations go up in batches; emergency checkouts go up one at a time so a
// single poison record cannot hold back the rest. Failures bump per-record
// attempt counters and the pass moves on; there is no in-pass retry loop.
type Engine struct {
	store  *store.Store
	client Client
	cfg    *config.SyncConfig
	logger zerolog.Logger

	// inFlight guards against overlapping drains for one employee, which
	// would double-deliver the same pending records.
	inFlight sync.Map
}

// NewEngine builds a drain engine. client may be nil when sync is disabled;
// every drain then returns ErrSyncDisabled.
func NewEngine(st *store.Store, client Client, cfg *config.SyncConfig) *Engine {
	return &Engine{
		store:  st,
		client: client,
		cfg:    cfg,
		logger: logging.With().Str("component", "syncer").Logger(),
	}
}

// SyncPendingForEmployee runs one drain pass for the employee: all unsynced
// samples oldest-first, then all unsynced emergency checkouts oldest-first.
// The pass is bounded by ctx; a partial pass is normal and the remainder is
// picked up next time.
func (e *Engine) SyncPendingForEmployee(ctx context.Context, employeeID string) (models.SyncResult, error) {
	if e.client == nil {
		return models.SyncResult{}, ErrSyncDisabled
	}
	if _, loaded := e.inFlight.LoadOrStore(employeeID, struct{}{}); loaded {
		return models.SyncResult{}, ErrDrainInFlight
	}
	defer e.inFlight.Delete(employeeID)

	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	var result models.SyncResult

	if err := e.drainLocations(ctx, employeeID, &result); err != nil {
		e.refreshPendingGauges(ctx, employeeID)
		return result, err
	}
	if err := e.drainCheckouts(ctx, employeeID, &result); err != nil {
		e.refreshPendingGauges(ctx, employeeID)
		return result, err
	}

	e.refreshPendingGauges(ctx, employeeID)

	if result.Total() > 0 {
		e.logger.Info().
			Str("employee_id", employeeID).
			Int("synced_locations", result.SyncedLocations).
			Int("failed_locations", result.FailedLocations).
			Int("synced_checkouts", result.SyncedCheckOuts).
			Int("failed_checkouts", result.FailedCheckOuts).
			Dur("duration", time.Since(start)).
			Msg("Drain pass complete")
	}
	if result.FailedLocations == 0 && result.FailedCheckOuts == 0 && result.Total() > 0 {
		metrics.SyncLastSuccess.SetToCurrentTime()
	}

	return result, nil
}

// DeliverManualCheckout sends a normal end-of-shift checkout. Best effort:
// the state transition has already happened locally; a delivery failure is
// reported to the caller for logging but cannot be retried from a durable
// record, since manual checkouts are not buffered.
func (e *Engine) DeliverManualCheckout(ctx context.Context, employeeID, checkOutData string, last *models.LocationSample) error {
	if e.client == nil {
		return ErrSyncDisabled
	}
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
	defer cancel()
	return e.client.DeliverManualCheckout(reqCtx, employeeID, checkOutData, last)
}

// drainLocations uploads unsynced samples in batches of cfg.BatchSize.
func (e *Engine) drainLocations(ctx context.Context, employeeID string, result *models.SyncResult) error {
	samples, err := e.store.ListUnsynced(ctx, employeeID)
	if err != nil {
		return fmt.Errorf("list unsynced samples: %w", err)
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for len(samples) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := samples
		if len(batch) > batchSize {
			batch = samples[:batchSize]
		}
		samples = samples[len(batch):]

		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
		accepted, err := e.client.DeliverLocations(reqCtx, employeeID, batch)
		cancel()

		for i := range batch {
			sm := &batch[i]
			if err == nil && accepted[sm.ID] {
				if _, merr := e.store.MarkSampleSynced(ctx, sm.ID); merr != nil {
					e.logger.Error().Err(merr).Int64("id", sm.ID).Msg("Failed to mark sample synced")
					result.FailedLocations++
					continue
				}
				result.SyncedLocations++
				metrics.SyncDeliveries.WithLabelValues("location", "success").Inc()
				continue
			}

			if ierr := e.store.IncrementSampleAttempts(ctx, sm.ID); ierr != nil && !errors.Is(ierr, store.ErrNotFound) {
				e.logger.Error().Err(ierr).Int64("id", sm.ID).Msg("Failed to record sample attempt")
			}
			result.FailedLocations++
			metrics.SyncDeliveries.WithLabelValues("location", "failure").Inc()
		}

		if err != nil {
			e.logger.Warn().Err(err).
				Str("employee_id", employeeID).
				Int("batch_size", len(batch)).
				Msg("Location batch delivery failed")
		}
	}

	return nil
}

// drainCheckouts uploads unsynced emergency checkouts one record at a time.
func (e *Engine) drainCheckouts(ctx context.Context, employeeID string, result *models.SyncResult) error {
	recs, err := e.store.ListUnsyncedEmergencyCheckouts(ctx, employeeID)
	if err != nil {
		return fmt.Errorf("list unsynced checkouts: %w", err)
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &recs[i]

		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
		err := e.client.DeliverCheckout(reqCtx, rec)
		cancel()

		if err != nil {
			if ierr := e.store.IncrementCheckoutAttempts(ctx, rec.ID); ierr != nil && !errors.Is(ierr, store.ErrNotFound) {
				e.logger.Error().Err(ierr).Int64("id", rec.ID).Msg("Failed to record checkout attempt")
			}
			result.FailedCheckOuts++
			metrics.SyncDeliveries.WithLabelValues("checkout", "failure").Inc()
			e.logger.Warn().Err(err).
				Int64("id", rec.ID).
				Str("reason", string(rec.Reason)).
				Msg("Checkout delivery failed")
			continue
		}

		if _, merr := e.store.MarkCheckoutSynced(ctx, rec.ID); merr != nil {
			e.logger.Error().Err(merr).Int64("id", rec.ID).Msg("Failed to mark checkout synced")
			result.FailedCheckOuts++
			continue
		}
		result.SyncedCheckOuts++
		metrics.SyncDeliveries.WithLabelValues("checkout", "success").Inc()
	}

	return nil
}

// refreshPendingGauges best-effort updates the pending-record gauges.
func (e *Engine) refreshPendingGauges(ctx context.Context, employeeID string) {
	counts, err := e.store.PendingCounts(ctx, employeeID)
	if err != nil {
		return
	}
	metrics.UpdatePendingRecords(counts.PendingLocations, counts.PendingCheckOuts)
}
