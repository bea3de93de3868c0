// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package models

import "time"

// StartTrackingRequest begins a tracking session for an employee.
type StartTrackingRequest struct {
	EmployeeID   string `json:"employee_id" validate:"required,employee_id"`
	EmployeeName string `json:"employee_name" validate:"required,max=200"`
}

// StopTrackingRequest ends the active tracking session. CheckOutData is an
// opaque payload the server uses for reconciliation; it is stored verbatim.
type StopTrackingRequest struct {
	CheckOutData string `json:"checkout_data,omitempty" validate:"max=65536"`
}

// StartTrackingResponse reports the session that is now active. Started is
// false when the request was an idempotent no-op against an existing session.
type StartTrackingResponse struct {
	Started   bool      `json:"started"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// StopTrackingResponse reports whether a session was actually stopped.
type StopTrackingResponse struct {
	Stopped bool `json:"stopped"`
}

// CountdownResponse carries the seconds remaining until the next scheduled
// sync attempt. Always in [0, interval].
type CountdownResponse struct {
	SecondsRemaining int `json:"seconds_remaining"`
}

// ClearDataResponse reports how many local rows were removed.
type ClearDataResponse struct {
	RowsDeleted int64 `json:"rows_deleted"`
}
