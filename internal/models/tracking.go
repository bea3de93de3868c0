// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package models

import (
	"fmt"
	"time"
)

// CheckoutReason enumerates the causes of a non-manual session termination.
type CheckoutReason string

const (
	// CheckoutAutomatic is a periodic-sync-driven auto close, e.g. when a
	// session exceeds the configured maximum duration.
	CheckoutAutomatic CheckoutReason = "AUTOMATIC"

	// CheckoutAppClosed means the UI shell signalled an orderly shutdown
	// without going through the normal stop path.
	CheckoutAppClosed CheckoutReason = "APP_CLOSED"

	// CheckoutBatteryDrain means the device battery crossed the critical
	// threshold while a session was active.
	CheckoutBatteryDrain CheckoutReason = "BATTERY_DRAIN"

	// CheckoutForceClose means the process was killed without warning; the
	// record is reconstructed from the crash journal on the next start.
	CheckoutForceClose CheckoutReason = "FORCE_CLOSE"
)

// Valid reports whether the reason is one of the known enum values.
func (r CheckoutReason) Valid() bool {
	switch r {
	case CheckoutAutomatic, CheckoutAppClosed, CheckoutBatteryDrain, CheckoutForceClose:
		return true
	}
	return false
}

// LocationSample is one position+battery reading captured by the sampler.
// Timestamp is the device-clock capture time in milliseconds since epoch,
// not the insertion time.
type LocationSample struct {
	ID           int64   `json:"id"`
	EmployeeID   string  `json:"employee_id" validate:"required,employee_id"`
	Latitude     float64 `json:"latitude" validate:"latitude"`
	Longitude    float64 `json:"longitude" validate:"longitude"`
	Accuracy     float64 `json:"accuracy" validate:"gte=0"`
	BatteryLevel int     `json:"battery_level" validate:"gte=0,lte=100"`
	Timestamp    int64   `json:"timestamp" validate:"gt=0"`
	Synced       bool    `json:"synced"`
	SyncAttempts int     `json:"sync_attempts"`

	// CreatedAt is the local insertion time, used for retention pruning.
	CreatedAt time.Time `json:"created_at"`
}

// EmergencyCheckoutRecord is the best-effort final checkout written when a
// session cannot end through the normal stop path. At most one is written
// per tracking session.
type EmergencyCheckoutRecord struct {
	ID           int64          `json:"id"`
	EmployeeID   string         `json:"employee_id" validate:"required,employee_id"`
	Latitude     float64        `json:"latitude" validate:"latitude"`
	Longitude    float64        `json:"longitude" validate:"longitude"`
	Accuracy     float64        `json:"accuracy" validate:"gte=0"`
	BatteryLevel int            `json:"battery_level" validate:"gte=0,lte=100"`
	CheckOutTime int64          `json:"check_out_time" validate:"gt=0"`
	Reason       CheckoutReason `json:"reason" validate:"required"`

	// CheckOutData is an opaque state snapshot forwarded to the server for
	// reconciliation. Empty when no snapshot was available.
	CheckOutData string `json:"check_out_data,omitempty"`

	Synced       bool      `json:"synced"`
	SyncAttempts int       `json:"sync_attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncResult summarizes one drain pass of the sync engine for an employee.
type SyncResult struct {
	SyncedLocations int `json:"synced_locations"`
	FailedLocations int `json:"failed_locations"`
	SyncedCheckOuts int `json:"synced_checkouts"`
	FailedCheckOuts int `json:"failed_checkouts"`
}

// Total returns the number of records touched by the drain pass.
func (r SyncResult) Total() int {
	return r.SyncedLocations + r.FailedLocations + r.SyncedCheckOuts + r.FailedCheckOuts
}

// PendingCounts reports locally buffered records awaiting delivery.
type PendingCounts struct {
	PendingLocations int `json:"pending_locations"`
	PendingCheckOuts int `json:"pending_checkouts"`
	TotalPending     int `json:"total_pending"`
}

// ServiceStatus describes the tracking state machine to the UI layer.
type ServiceStatus struct {
	IsRunning  bool       `json:"is_running"`
	EmployeeID string     `json:"employee_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// String implements fmt.Stringer for log output.
func (s ServiceStatus) String() string {
	if !s.IsRunning {
		return "checked_out"
	}
	return fmt.Sprintf("checked_in employee=%s session=%s", s.EmployeeID, s.SessionID)
}
