// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/store"
	"github.com/fieldtrack/trackd/internal/syncer"
	"github.com/fieldtrack/trackd/internal/tracker"
	"github.com/fieldtrack/trackd/internal/validation"
)

// maxBodySize bounds request bodies; checkout_data is the largest field.
const maxBodySize = 1 << 20

// Handler carries the dependencies of all API endpoints.
type Handler struct {
	tracker *tracker.Tracker
	store   *store.Store
	engine  *syncer.Engine
}

// NewHandler builds the endpoint handler set.
func NewHandler(t *tracker.Tracker, st *store.Store, engine *syncer.Engine) *Handler {
	return &Handler{tracker: t, store: st, engine: engine}
}

// decodeJSON reads and validates a JSON request body into dst. An empty body
// is allowed when allowEmpty is set, leaving dst zero-valued.
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	return json.Unmarshal(data, dst)
}

// StartTracking handles POST /api/v1/tracking/start.
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req models.StartTrackingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		var verr *validation.RequestValidationError
		if errors.As(err, &verr) {
			rw.ValidationError("request validation failed", verr.Fields())
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	sessionID, startedAt, started, err := h.tracker.StartTracking(r.Context(), req.EmployeeID, req.EmployeeName)
	if err != nil {
		logging.Error().Err(err).Str("employee_id", req.EmployeeID).Msg("Start tracking failed")
		rw.InternalError("failed to start tracking: " + err.Error())
		return
	}

	resp := models.StartTrackingResponse{
		Started:   started,
		SessionID: sessionID,
		StartedAt: startedAt,
	}
	if started {
		rw.Created(resp)
		return
	}
	rw.Success(resp)
}

// StopTracking handles POST /api/v1/tracking/stop.
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req models.StopTrackingRequest
	if err := decodeJSON(r, &req, true); err != nil {
		rw.BadRequest("invalid request body: " + err.Error())
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		var verr *validation.RequestValidationError
		if errors.As(err, &verr) {
			rw.ValidationError("request validation failed", verr.Fields())
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	stopped, err := h.tracker.StopTracking(r.Context(), req.CheckOutData)
	if err != nil {
		rw.InternalError("failed to stop tracking: " + err.Error())
		return
	}

	rw.Success(models.StopTrackingResponse{Stopped: stopped})
}

// Status handles GET /api/v1/tracking/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.tracker.GetStatus())
}

// Countdown handles GET /api/v1/tracking/countdown.
func (h *Handler) Countdown(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(models.CountdownResponse{
		SecondsRemaining: h.tracker.NextSyncCountdown(),
	})
}

// PendingCounts handles GET /api/v1/employees/{employeeID}/pending.
func (h *Handler) PendingCounts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	employeeID := chi.URLParam(r, "employeeID")
	if employeeID == "" {
		rw.BadRequest("employee ID is required")
		return
	}

	counts, err := h.store.PendingCounts(r.Context(), employeeID)
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(counts)
}

// SyncNow handles POST /api/v1/employees/{employeeID}/sync: an on-demand
// drain pass, e.g. when the UI observes connectivity regain.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	employeeID := chi.URLParam(r, "employeeID")
	if employeeID == "" {
		rw.BadRequest("employee ID is required")
		return
	}

	result, err := h.engine.SyncPendingForEmployee(r.Context(), employeeID)
	switch {
	case errors.Is(err, syncer.ErrDrainInFlight):
		rw.Conflict("a sync pass is already running for this employee")
		return
	case errors.Is(err, syncer.ErrSyncDisabled):
		rw.ServiceUnavailable("sync is disabled: no remote URL configured")
		return
	case err != nil:
		logging.Error().Err(err).Str("employee_id", employeeID).Msg("Manual sync failed")
		rw.InternalError("sync failed: " + err.Error())
		return
	}

	rw.Success(result)
}

// ClearData handles DELETE /api/v1/employees/{employeeID}/data. Refused
// while the employee is actively tracking.
func (h *Handler) ClearData(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	employeeID := chi.URLParam(r, "employeeID")
	if employeeID == "" {
		rw.BadRequest("employee ID is required")
		return
	}

	status := h.tracker.GetStatus()
	if status.IsRunning && status.EmployeeID == employeeID {
		rw.Conflict("cannot clear data while tracking is active for this employee")
		return
	}

	deleted, err := h.store.ClearEmployeeData(r.Context(), employeeID)
	if err != nil {
		rw.StorageError(err)
		return
	}

	logging.Info().Str("employee_id", employeeID).Int64("rows", deleted).Msg("Employee data cleared")
	rw.Success(models.ClearDataResponse{RowsDeleted: deleted})
}

// Health handles GET /healthz: liveness plus a store ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.store.Ping(r.Context()); err != nil {
		rw.ServiceUnavailable("store unavailable: " + err.Error())
		return
	}
	rw.Success(map[string]string{"status": "ok"})
}
