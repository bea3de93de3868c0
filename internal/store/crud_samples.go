// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldtrack/trackd/internal/metrics"
	"github.com/fieldtrack/trackd/internal/models"
)

// InsertSample appends one location sample and returns its record ID.
// The write is local and synchronous; it fails only on storage exhaustion
// or corruption, which is surfaced to the caller rather than retried.
func (s *Store) InsertSample(ctx context.Context, sample *models.LocationSample) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.StoreWriteDuration.WithLabelValues("location_updates").Observe(time.Since(start).Seconds())
	}()

	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO location_updates
			(employee_id, latitude, longitude, accuracy, battery_level, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		sample.EmployeeID, sample.Latitude, sample.Longitude,
		sample.Accuracy, sample.BatteryLevel, sample.Timestamp,
	).Scan(&id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("insert", "location_updates").Inc()
		return 0, fmt.Errorf("failed to insert sample: %w", err)
	}

	sample.ID = id
	return id, nil
}

// ListUnsynced returns the employee's undelivered samples in ascending
// timestamp order. Oldest-first delivery preserves causal ordering for
// server-side path reconstruction.
func (s *Store) ListUnsynced(ctx context.Context, employeeID string) ([]models.LocationSample, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, employee_id, latitude, longitude, accuracy, battery_level,
		       timestamp, synced, sync_attempts, created_at
		FROM location_updates
		WHERE employee_id = ? AND NOT synced
		ORDER BY timestamp ASC, id ASC`,
		employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced samples: %w", err)
	}
	defer rows.Close()

	var samples []models.LocationSample
	for rows.Next() {
		var sm models.LocationSample
		if err := rows.Scan(
			&sm.ID, &sm.EmployeeID, &sm.Latitude, &sm.Longitude, &sm.Accuracy,
			&sm.BatteryLevel, &sm.Timestamp, &sm.Synced, &sm.SyncAttempts, &sm.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}

	return samples, nil
}

// LastSample returns the employee's most recent sample by timestamp, or nil
// when none exists. Used by the emergency handler when a fresh fix cannot be
// obtained in time.
func (s *Store) LastSample(ctx context.Context, employeeID string) (*models.LocationSample, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var sm models.LocationSample
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, employee_id, latitude, longitude, accuracy, battery_level,
		       timestamp, synced, sync_attempts, created_at
		FROM location_updates
		WHERE employee_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`,
		employeeID,
	).Scan(
		&sm.ID, &sm.EmployeeID, &sm.Latitude, &sm.Longitude, &sm.Accuracy,
		&sm.BatteryLevel, &sm.Timestamp, &sm.Synced, &sm.SyncAttempts, &sm.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sample: %w", err)
	}

	return &sm, nil
}

// MarkSampleSynced flips one sample to synced. Idempotent: marking an
// already-synced record again is a no-op success. Returns false only when
// the record does not exist.
func (s *Store) MarkSampleSynced(ctx context.Context, id int64) (bool, error) {
	return s.markSynced(ctx, "location_updates", id)
}

// IncrementSampleAttempts bumps the delivery attempt counter after a failed
// transmission; the record stays pending.
func (s *Store) IncrementSampleAttempts(ctx context.Context, id int64) error {
	return s.incrementAttempts(ctx, "location_updates", id)
}

// markSynced is shared by both tables; table comes from a fixed internal
// list, never from input.
func (s *Store) markSynced(ctx context.Context, table string, id int64) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var exists int
	err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	_, err = s.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET synced = TRUE WHERE id = ? AND NOT synced`, table), id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mark_synced", table).Inc()
		return false, fmt.Errorf("failed to mark synced: %w", err)
	}
	return true, nil
}

func (s *Store) incrementAttempts(ctx context.Context, table string, id int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	res, err := s.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sync_attempts = sync_attempts + 1 WHERE id = ?`, table), id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("increment_attempts", table).Inc()
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingCounts reports the employee's locally buffered record counts.
func (s *Store) PendingCounts(ctx context.Context, employeeID string) (models.PendingCounts, error) {
	if s.closed.Load() {
		return models.PendingCounts{}, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var counts models.PendingCounts
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM location_updates WHERE employee_id = ? AND NOT synced),
			(SELECT COUNT(*) FROM emergency_checkouts WHERE employee_id = ? AND NOT synced)`,
		employeeID, employeeID,
	).Scan(&counts.PendingLocations, &counts.PendingCheckOuts)
	if err != nil {
		return models.PendingCounts{}, fmt.Errorf("failed to count pending records: %w", err)
	}

	counts.TotalPending = counts.PendingLocations + counts.PendingCheckOuts
	return counts, nil
}

// ClearEmployeeData deletes all samples and checkout records for the
// employee. Irreversible; used on logout or explicit data reset.
func (s *Store) ClearEmployeeData(ctx context.Context, employeeID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	var total int64
	for _, table := range []string{"location_updates", "emergency_checkouts"} {
		res, err := s.conn.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE employee_id = ?`, table), employeeID)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("clear", table).Inc()
			return total, fmt.Errorf("failed to clear %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	return total, nil
}

// PruneSynced deletes synced samples older than the retention window.
// Emergency checkouts are kept regardless of age; they are the audit trail
// for abnormal terminations.
func (s *Store) PruneSynced(ctx context.Context, retention time.Duration) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if retention <= 0 {
		return 0, nil
	}
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	cutoff := time.Now().Add(-retention)
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM location_updates WHERE synced AND created_at < ?`, cutoff)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("prune", "location_updates").Inc()
		return 0, fmt.Errorf("failed to prune synced samples: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
