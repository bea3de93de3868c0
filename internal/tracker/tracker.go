// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package tracker implements the tracking state machine: the single source
// of truth for the CHECKED_IN/CHECKED_OUT state. It orchestrates the sampler
// lifecycle, persists every reading, journals the session for crash
// recovery, schedules periodic sync drains, and exposes a live
// countdown-to-next-sync for the UI.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/metrics"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/sampler"
	"github.com/fieldtrack/trackd/internal/snapshot"
	"github.com/fieldtrack/trackd/internal/store"
	"github.com/fieldtrack/trackd/internal/syncer"
)

// ErrNotTracking is returned by operations that require an active session.
var ErrNotTracking = errors.New("no active tracking session")

// session is the immutable identity of one check-in.
type session struct {
	employeeID   string
	employeeName string
	sessionID    string
	startedAt    time.Time
}

// Tracker is the tracking state machine. All state transitions run under a
// single mutex; sampler ticks and countdown callbacks that race a stop check
// the current state and discard themselves.
type Tracker struct {
	store   *store.Store
	journal *snapshot.Journal
	sampler *sampler.Sampler
	engine  *syncer.Engine
	cfg     *config.TrackingConfig
	logger  zerolog.Logger

	mu         sync.Mutex
	current    *session
	nextSyncAt time.Time
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// countdownFn is a single slot: re-registering replaces the prior
	// observer. That is the contract, not an accident; the local UI has
	// exactly one countdown display.
	cbMu        sync.Mutex
	countdownFn func(secondsRemaining int)
}

// New wires the state machine over its collaborators.
func New(st *store.Store, journal *snapshot.Journal, smp *sampler.Sampler, engine *syncer.Engine, cfg *config.TrackingConfig) *Tracker {
	t := &Tracker{
		store:   st,
		journal: journal,
		sampler: smp,
		engine:  engine,
		cfg:     cfg,
		logger:  logging.With().Str("component", "tracker").Logger(),
	}
	smp.SetOnReading(t.handleReading)
	smp.SetOnPermissionLost(t.handlePermissionLost)
	return t
}

// StartTracking transitions to CHECKED_IN for the employee and starts the
// sampler. Calling it again for the same employee is idempotent: it returns
// the existing session with started=false. Calling it for a different
// employee first closes the running session cleanly (a handoff), then
// starts the new one.
func (t *Tracker) StartTracking(ctx context.Context, employeeID, employeeName string) (sessionID string, startedAt time.Time, started bool, err error) {
	t.mu.Lock()
	if cur := t.current; cur != nil {
		if cur.employeeID == employeeID {
			id, at := cur.sessionID, cur.startedAt
			t.mu.Unlock()
			return id, at, false, nil
		}
		// Handoff: close the prior employee's session before opening ours.
		prev := t.detachLocked()
		t.mu.Unlock()
		t.teardown(ctx, prev, "handoff", "")
		t.mu.Lock()
	}

	sess := &session{
		employeeID:   employeeID,
		employeeName: employeeName,
		sessionID:    uuid.NewString(),
		startedAt:    time.Now().UTC(),
	}
	t.current = sess
	t.nextSyncAt = time.Now().Add(t.cfg.SampleInterval)
	t.stopChan = make(chan struct{})
	stopChan := t.stopChan
	t.mu.Unlock()

	if err := t.journal.WriteActive(&snapshot.SessionSnapshot{
		EmployeeID:   sess.employeeID,
		EmployeeName: sess.employeeName,
		SessionID:    sess.sessionID,
		StartedAt:    sess.startedAt,
	}); err != nil {
		t.logger.Error().Err(err).Msg("Failed to journal session start")
	}

	if err := t.sampler.Start(ctx, employeeID); err != nil {
		t.mu.Lock()
		t.current = nil
		close(t.stopChan)
		t.stopChan = nil
		t.mu.Unlock()
		if jerr := t.journal.ClearActive(); jerr != nil {
			t.logger.Error().Err(jerr).Msg("Failed to clear journal after aborted start")
		}
		return "", time.Time{}, false, fmt.Errorf("start sampler: %w", err)
	}

	// A concurrent stop may have detached the session while the sampler was
	// still starting; its Stop() found nothing running then, so the sampler
	// must be shut down here or it would keep ticking while CHECKED_OUT.
	t.mu.Lock()
	stillCurrent := t.current == sess
	t.mu.Unlock()
	if !stillCurrent {
		t.sampler.Stop()
		return sess.sessionID, sess.startedAt, true, nil
	}

	t.wg.Add(1)
	go t.countdownLoop(stopChan)

	metrics.SessionsStarted.Inc()
	t.logger.Info().
		Str("employee_id", employeeID).
		Str("session_id", sess.sessionID).
		Msg("Tracking started")

	return sess.sessionID, sess.startedAt, true, nil
}

// StopTracking transitions to CHECKED_OUT: stops the sampler, clears the
// crash journal, resets the countdown and triggers a non-blocking final
// drain. Stopping when already CHECKED_OUT is a no-op returning false; a
// second call never produces a second checkout side effect.
func (t *Tracker) StopTracking(ctx context.Context, checkOutData string) (bool, error) {
	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return false, nil
	}
	prev := t.detachLocked()
	t.mu.Unlock()

	t.teardown(ctx, prev, "manual", checkOutData)
	return true, nil
}

// EmergencyStop ends the session with a locally written emergency checkout
// record. The write path is local-only and synchronous; delivery happens
// later through the sync engine. At most one emergency record is written per
// session because the state transition happens first, under the lock.
func (t *Tracker) EmergencyStop(ctx context.Context, reason models.CheckoutReason, checkOutData string) error {
	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return nil
	}
	prev := t.detachLocked()
	t.mu.Unlock()

	rec := t.buildEmergencyRecord(ctx, prev, reason, checkOutData)
	if _, err := t.store.InsertEmergencyCheckout(ctx, rec); err != nil {
		t.logger.Error().Err(err).Str("reason", string(reason)).Msg("Failed to write emergency checkout")
	}

	t.sampler.Stop()
	if err := t.journal.ClearActive(); err != nil {
		t.logger.Error().Err(err).Msg("Failed to clear journal after emergency stop")
	}

	metrics.SessionsStopped.WithLabelValues(string(reason)).Inc()
	metrics.CountdownSeconds.Set(0)
	t.logger.Warn().
		Str("employee_id", prev.employeeID).
		Str("session_id", prev.sessionID).
		Str("reason", string(reason)).
		Msg("Emergency checkout")

	t.drainAsync(prev.employeeID)
	return nil
}

// GetStatus reports the current state to the UI layer.
func (t *Tracker) GetStatus() models.ServiceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return models.ServiceStatus{}
	}
	startedAt := t.current.startedAt
	return models.ServiceStatus{
		IsRunning:  true,
		EmployeeID: t.current.employeeID,
		SessionID:  t.current.sessionID,
		StartedAt:  &startedAt,
	}
}

// NextSyncCountdown returns the seconds remaining until the next scheduled
// sync attempt. Always in [0, interval]; 0 when CHECKED_OUT. Within one sync
// cycle the value never increases.
func (t *Tracker) NextSyncCountdown() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countdownLocked()
}

func (t *Tracker) countdownLocked() int {
	if t.current == nil {
		return 0
	}
	remaining := time.Until(t.nextSyncAt)
	if remaining < 0 {
		return 0
	}
	if remaining > t.cfg.SampleInterval {
		remaining = t.cfg.SampleInterval
	}
	return int(remaining.Round(time.Second) / time.Second)
}

// SetCountdownUpdateCallback registers the countdown observer. A single slot
// holds the observer: registering replaces the prior one, and passing nil
// unregisters. Safe to call in any state.
func (t *Tracker) SetCountdownUpdateCallback(fn func(secondsRemaining int)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.countdownFn = fn
}

// detachLocked clears the active session and stops the countdown loop.
// Caller holds t.mu and must finish teardown (sampler, journal) after
// releasing it: the sampler's tick loop takes t.mu via handleReading, so
// stopping it under the lock would deadlock.
func (t *Tracker) detachLocked() *session {
	prev := t.current
	t.current = nil
	if t.stopChan != nil {
		close(t.stopChan)
		t.stopChan = nil
	}
	return prev
}

// teardown finishes a clean (manual or handoff) checkout after the state
// transition has already happened.
func (t *Tracker) teardown(ctx context.Context, prev *session, cause, checkOutData string) {
	t.sampler.Stop()
	if err := t.journal.ClearActive(); err != nil {
		t.logger.Error().Err(err).Msg("Failed to clear journal on stop")
	}

	metrics.SessionsStopped.WithLabelValues(cause).Inc()
	metrics.CountdownSeconds.Set(0)
	t.logger.Info().
		Str("employee_id", prev.employeeID).
		Str("session_id", prev.sessionID).
		Str("cause", cause).
		Msg("Tracking stopped")

	// Final drain and checkout delivery are fire-and-forget: a slow or dead
	// network must not block the checkout transition.
	employeeID := prev.employeeID
	go func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if cause == "manual" {
			last, err := t.store.LastSample(drainCtx, employeeID)
			if err != nil {
				t.logger.Warn().Err(err).Msg("Failed to load last sample for checkout")
			}
			if err := t.engine.DeliverManualCheckout(drainCtx, employeeID, checkOutData, last); err != nil &&
				!errors.Is(err, syncer.ErrSyncDisabled) {
				t.logger.Warn().Err(err).Str("employee_id", employeeID).Msg("Manual checkout delivery failed")
			}
		}

		t.drain(drainCtx, employeeID)
	}()
}

// buildEmergencyRecord assembles the final record from the freshest state
// available without network or fix waits: the sampler's cached reading,
// falling back to the last persisted sample, falling back to zeros.
func (t *Tracker) buildEmergencyRecord(ctx context.Context, prev *session, reason models.CheckoutReason, checkOutData string) *models.EmergencyCheckoutRecord {
	rec := &models.EmergencyCheckoutRecord{
		EmployeeID:   prev.employeeID,
		CheckOutTime: time.Now().UnixMilli(),
		Reason:       reason,
		CheckOutData: checkOutData,
	}

	if r := t.sampler.LastReading(); r != nil {
		rec.Latitude = r.Latitude
		rec.Longitude = r.Longitude
		rec.Accuracy = r.Accuracy
		rec.BatteryLevel = r.BatteryLevel
		return rec
	}
	if last, err := t.store.LastSample(ctx, prev.employeeID); err == nil && last != nil {
		rec.Latitude = last.Latitude
		rec.Longitude = last.Longitude
		rec.Accuracy = last.Accuracy
		rec.BatteryLevel = last.BatteryLevel
	}
	return rec
}

// handleReading persists one sampler reading and refreshes the crash
// journal. Runs on the sampler's goroutine; a reading that races a stop is
// discarded because the session is already detached.
func (t *Tracker) handleReading(r sampler.Reading) {
	t.mu.Lock()
	sess := t.current
	t.mu.Unlock()
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sm := &models.LocationSample{
		EmployeeID:   sess.employeeID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Accuracy:     r.Accuracy,
		BatteryLevel: r.BatteryLevel,
		Timestamp:    r.Timestamp,
	}
	if _, err := t.store.InsertSample(ctx, sm); err != nil {
		t.logger.Error().Err(err).Str("employee_id", sess.employeeID).Msg("Failed to persist sample")
		return
	}

	if err := t.journal.WriteActive(&snapshot.SessionSnapshot{
		EmployeeID:   sess.employeeID,
		EmployeeName: sess.employeeName,
		SessionID:    sess.sessionID,
		StartedAt:    sess.startedAt,
		LastKnown: &snapshot.LastKnown{
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			Accuracy:     r.Accuracy,
			BatteryLevel: r.BatteryLevel,
			Timestamp:    r.Timestamp,
			CapturedAt:   time.Now().UTC(),
		},
	}); err != nil {
		t.logger.Error().Err(err).Msg("Failed to journal reading")
	}

	t.logger.Debug().
		Str("employee_id", sess.employeeID).
		Float64("lat", r.Latitude).
		Float64("lon", r.Longitude).
		Bool("stale", r.Stale).
		Int("battery", r.BatteryLevel).
		Msg("Sample persisted")
}

// handlePermissionLost runs when the platform revokes the location
// permission mid-session. Going dark silently is not an option; the session
// ends with an emergency checkout instead.
func (t *Tracker) handlePermissionLost(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := t.EmergencyStop(ctx, models.CheckoutAutomatic, "permission lost: "+err.Error()); serr != nil {
		t.logger.Error().Err(serr).Msg("Emergency stop after permission loss failed")
	}
}

// countdownLoop ticks once per second while CHECKED_IN: it pushes the
// seconds-remaining to the registered observer, fires the periodic drain
// when the countdown reaches zero, and enforces the maximum session
// duration.
func (t *Tracker) countdownLoop(stopChan chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		sess := t.current
		if sess == nil {
			t.mu.Unlock()
			return
		}

		if t.cfg.MaxSessionDuration > 0 && time.Since(sess.startedAt) >= t.cfg.MaxSessionDuration {
			t.mu.Unlock()
			t.logger.Warn().
				Str("session_id", sess.sessionID).
				Dur("max_duration", t.cfg.MaxSessionDuration).
				Msg("Maximum session duration reached")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := t.EmergencyStop(ctx, models.CheckoutAutomatic, "max session duration exceeded"); err != nil {
				t.logger.Error().Err(err).Msg("Automatic checkout failed")
			}
			cancel()
			return
		}

		var drainFor string
		if !time.Now().Before(t.nextSyncAt) {
			t.nextSyncAt = time.Now().Add(t.cfg.SampleInterval)
			drainFor = sess.employeeID
		}
		secs := t.countdownLocked()
		t.mu.Unlock()

		metrics.CountdownSeconds.Set(float64(secs))
		if drainFor != "" {
			t.drainAsync(drainFor)
		}

		t.cbMu.Lock()
		fn := t.countdownFn
		t.cbMu.Unlock()
		if fn != nil {
			fn(secs)
		}
	}
}

// drainAsync fires one drain pass without blocking the caller.
func (t *Tracker) drainAsync(employeeID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		t.drain(ctx, employeeID)
	}()
}

func (t *Tracker) drain(ctx context.Context, employeeID string) {
	_, err := t.engine.SyncPendingForEmployee(ctx, employeeID)
	if err != nil && !errors.Is(err, syncer.ErrDrainInFlight) && !errors.Is(err, syncer.ErrSyncDisabled) {
		t.logger.Warn().Err(err).Str("employee_id", employeeID).Msg("Drain pass failed")
	}
}

// Wait blocks until the countdown loop has exited. Used by tests and the
// shutdown path.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
