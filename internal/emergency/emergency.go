// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package emergency captures a final checkout when a session cannot end
// through the normal stop path: battery death, process shutdown, or a crash
// discovered on the next start. All writes on these paths are local-only;
// delivery is the sync engine's job, later.
package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/sampler"
	"github.com/fieldtrack/trackd/internal/snapshot"
	"github.com/fieldtrack/trackd/internal/store"
	"github.com/fieldtrack/trackd/internal/tracker"
)

// BatteryWatcher is a suture service that polls the battery level and ends
// the active session with a BATTERY_DRAIN checkout before the device dies.
type BatteryWatcher struct {
	provider sampler.Provider
	tracker  *tracker.Tracker
	cfg      *config.TrackingConfig
	logger   zerolog.Logger
}

// NewBatteryWatcher builds the watcher over the platform provider.
func NewBatteryWatcher(provider sampler.Provider, t *tracker.Tracker, cfg *config.TrackingConfig) *BatteryWatcher {
	return &BatteryWatcher{
		provider: provider,
		tracker:  t,
		cfg:      cfg,
		logger:   logging.With().Str("component", "battery-watcher").Logger(),
	}
}

// String implements fmt.Stringer for supervisor logs.
func (w *BatteryWatcher) String() string {
	return "battery-watcher"
}

// Serve implements suture.Service.
func (w *BatteryWatcher) Serve(ctx context.Context) error {
	interval := w.cfg.BatteryCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *BatteryWatcher) check(ctx context.Context) {
	if !w.tracker.GetStatus().IsRunning {
		return
	}

	level, err := w.provider.BatteryLevel(ctx)
	if err != nil {
		w.logger.Debug().Err(err).Msg("Battery level unavailable")
		return
	}
	if level > w.cfg.BatteryCriticalLevel {
		return
	}

	w.logger.Warn().
		Int("level", level).
		Int("threshold", w.cfg.BatteryCriticalLevel).
		Msg("Battery critical, forcing checkout")

	data := fmt.Sprintf("battery level %d%% at threshold %d%%", level, w.cfg.BatteryCriticalLevel)
	if err := w.tracker.EmergencyStop(ctx, models.CheckoutBatteryDrain, data); err != nil {
		w.logger.Error().Err(err).Msg("Battery-drain checkout failed")
	}
}

// HandleShutdown ends the active session with an APP_CLOSED checkout. Called
// from the shutdown path when the process receives a termination signal
// while a session is still CHECKED_IN.
func HandleShutdown(ctx context.Context, t *tracker.Tracker) {
	if !t.GetStatus().IsRunning {
		return
	}
	logging.Warn().Str("component", "emergency").Msg("Shutting down with active session, writing emergency checkout")
	if err := t.EmergencyStop(ctx, models.CheckoutAppClosed, "process shutdown"); err != nil {
		logging.Error().Str("component", "emergency").Err(err).Msg("Shutdown checkout failed")
	}
}

// RecoverOrphanedSession checks the crash journal for a session that was
// still active when the process last died and writes the FORCE_CLOSE
// checkout the dying process could not. Runs once at startup, before any new
// session starts. Returns the affected employee ID, or "" when the journal
// was clean.
func RecoverOrphanedSession(ctx context.Context, st *store.Store, journal *snapshot.Journal) (string, error) {
	snap, err := journal.Active()
	if err != nil {
		return "", fmt.Errorf("read crash journal: %w", err)
	}
	if snap == nil {
		return "", nil
	}

	logger := logging.With().Str("component", "emergency").Logger()
	logger.Warn().
		Str("employee_id", snap.EmployeeID).
		Str("session_id", snap.SessionID).
		Time("started_at", snap.StartedAt).
		Msg("Found orphaned session from unclean shutdown")

	rec := &models.EmergencyCheckoutRecord{
		EmployeeID:   snap.EmployeeID,
		CheckOutTime: time.Now().UnixMilli(),
		Reason:       models.CheckoutForceClose,
		CheckOutData: fmt.Sprintf("session %s recovered from crash journal", snap.SessionID),
	}
	if lk := snap.LastKnown; lk != nil {
		rec.Latitude = lk.Latitude
		rec.Longitude = lk.Longitude
		rec.Accuracy = lk.Accuracy
		rec.BatteryLevel = lk.BatteryLevel
		// The journaled capture time is the honest checkout time: the device
		// went dark at most one sample interval after it.
		rec.CheckOutTime = lk.Timestamp
	}

	if _, err := st.InsertEmergencyCheckout(ctx, rec); err != nil {
		return "", fmt.Errorf("write recovered checkout: %w", err)
	}
	if err := journal.ClearActive(); err != nil {
		return snap.EmployeeID, fmt.Errorf("clear crash journal: %w", err)
	}

	logger.Info().
		Str("employee_id", snap.EmployeeID).
		Int64("record_id", rec.ID).
		Msg("Recovered FORCE_CLOSE checkout queued for sync")
	return snap.EmployeeID, nil
}
