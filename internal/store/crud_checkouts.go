// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldtrack/trackd/internal/metrics"
	"github.com/fieldtrack/trackd/internal/models"
)

// InsertEmergencyCheckout appends one emergency checkout record and returns
// its record ID. This is the most time-constrained write in the system: it
// runs on the shutdown path and must never perform network I/O.
func (s *Store) InsertEmergencyCheckout(ctx context.Context, rec *models.EmergencyCheckoutRecord) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if !rec.Reason.Valid() {
		return 0, fmt.Errorf("invalid checkout reason %q", rec.Reason)
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.StoreWriteDuration.WithLabelValues("emergency_checkouts").Observe(time.Since(start).Seconds())
	}()

	var checkOutData sql.NullString
	if rec.CheckOutData != "" {
		checkOutData = sql.NullString{String: rec.CheckOutData, Valid: true}
	}

	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO emergency_checkouts
			(employee_id, latitude, longitude, accuracy, battery_level,
			 check_out_time, reason, check_out_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rec.EmployeeID, rec.Latitude, rec.Longitude, rec.Accuracy, rec.BatteryLevel,
		rec.CheckOutTime, string(rec.Reason), checkOutData,
	).Scan(&id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("insert", "emergency_checkouts").Inc()
		return 0, fmt.Errorf("failed to insert emergency checkout: %w", err)
	}

	rec.ID = id
	metrics.EmergencyCheckouts.WithLabelValues(string(rec.Reason)).Inc()
	return id, nil
}

// ListUnsyncedEmergencyCheckouts returns the employee's undelivered
// emergency checkouts in ascending check_out_time order.
func (s *Store) ListUnsyncedEmergencyCheckouts(ctx context.Context, employeeID string) ([]models.EmergencyCheckoutRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, employee_id, latitude, longitude, accuracy, battery_level,
		       check_out_time, reason, check_out_data, synced, sync_attempts, created_at
		FROM emergency_checkouts
		WHERE employee_id = ? AND NOT synced
		ORDER BY check_out_time ASC, id ASC`,
		employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced checkouts: %w", err)
	}
	defer rows.Close()

	var recs []models.EmergencyCheckoutRecord
	for rows.Next() {
		var rec models.EmergencyCheckoutRecord
		var reason string
		var checkOutData sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.EmployeeID, &rec.Latitude, &rec.Longitude, &rec.Accuracy,
			&rec.BatteryLevel, &rec.CheckOutTime, &reason, &checkOutData,
			&rec.Synced, &rec.SyncAttempts, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkout: %w", err)
		}
		rec.Reason = models.CheckoutReason(reason)
		rec.CheckOutData = checkOutData.String
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkouts: %w", err)
	}

	return recs, nil
}

// MarkCheckoutSynced flips one emergency checkout to synced. Idempotent.
func (s *Store) MarkCheckoutSynced(ctx context.Context, id int64) (bool, error) {
	return s.markSynced(ctx, "emergency_checkouts", id)
}

// IncrementCheckoutAttempts bumps the delivery attempt counter after a
// failed transmission.
func (s *Store) IncrementCheckoutAttempts(ctx context.Context, id int64) error {
	return s.incrementAttempts(ctx, "emergency_checkouts", id)
}
