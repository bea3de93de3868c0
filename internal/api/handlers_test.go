// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/sampler"
	"github.com/fieldtrack/trackd/internal/snapshot"
	"github.com/fieldtrack/trackd/internal/store"
	"github.com/fieldtrack/trackd/internal/syncer"
	"github.com/fieldtrack/trackd/internal/tracker"
)

type apiFixture struct {
	router  http.Handler
	tracker *tracker.Tracker
	store   *store.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.Open(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	journal, err := snapshot.Open(&config.SnapshotConfig{Path: t.TempDir(), SyncWrites: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	provider := sampler.NewMockProvider(sampler.Fix{Latitude: 52.52, Longitude: 13.405})
	smp := sampler.New(provider, sampler.Config{
		Interval:   50 * time.Millisecond,
		FixTimeout: 200 * time.Millisecond,
	})
	engine := syncer.NewEngine(st, nil, &config.SyncConfig{})

	trk := tracker.New(st, journal, smp, engine, &config.TrackingConfig{
		SampleInterval: 2 * time.Second,
		FixTimeout:     200 * time.Millisecond,
	})
	t.Cleanup(func() {
		_, _ = trk.StopTracking(context.Background(), "")
		trk.Wait()
	})

	router := NewRouter(NewHandler(trk, st, engine), &config.ServerConfig{
		CORSOrigins:     []string{"*"},
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	})
	return &apiFixture{router: router, tracker: trk, store: st}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) APIResponse {
	t.Helper()

	var env APIResponse
	raw := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
		Meta    *APIMeta        `json:"meta"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), "body: %s", rec.Body.String())
	env.Success = raw.Success
	env.Error = raw.Error
	env.Meta = raw.Meta
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return env
}

func TestStartTrackingEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.StartTrackingResponse
	env := decodeEnvelope(t, rec, &resp)
	assert.True(t, env.Success)
	assert.True(t, resp.Started)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Same employee again: 200, not 201, same session.
	rec = f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var again models.StartTrackingResponse
	decodeEnvelope(t, rec, &again)
	assert.False(t, again.Started)
	assert.Equal(t, resp.SessionID, again.SessionID)
}

func TestStartTrackingValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeName: "No ID",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec, nil)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeValidationFailed, env.Error.Code)
}

func TestStartTrackingEmptyBody(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tracking/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeBadRequest, env.Error.Code)
}

func TestStopTrackingEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	// Stop with no session: success, stopped=false.
	rec := f.do(t, http.MethodPost, "/api/v1/tracking/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.StopTrackingResponse
	decodeEnvelope(t, rec, &resp)
	assert.False(t, resp.Stopped)

	f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})

	rec = f.do(t, http.MethodPost, "/api/v1/tracking/stop", models.StopTrackingRequest{
		CheckOutData: `{"note":"end of shift"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeEnvelope(t, rec, &resp)
	assert.True(t, resp.Stopped)
}

func TestStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tracking/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.ServiceStatus
	decodeEnvelope(t, rec, &status)
	assert.False(t, status.IsRunning)

	f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})

	rec = f.do(t, http.MethodGet, "/api/v1/tracking/status", nil)
	decodeEnvelope(t, rec, &status)
	assert.True(t, status.IsRunning)
	assert.Equal(t, "emp-1", status.EmployeeID)
}

func TestCountdownEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/tracking/countdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.CountdownResponse
	decodeEnvelope(t, rec, &resp)
	assert.Zero(t, resp.SecondsRemaining, "no session means no countdown")

	f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})

	rec = f.do(t, http.MethodGet, "/api/v1/tracking/countdown", nil)
	decodeEnvelope(t, rec, &resp)
	assert.GreaterOrEqual(t, resp.SecondsRemaining, 0)
	assert.LessOrEqual(t, resp.SecondsRemaining, 2)
}

func TestPendingCountsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for _, ts := range []int64{1000, 2000} {
		_, err := f.store.InsertSample(ctx, &models.LocationSample{
			EmployeeID: "emp-1",
			Latitude:   1, Longitude: 2,
			Timestamp: ts,
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/employees/emp-1/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var counts models.PendingCounts
	decodeEnvelope(t, rec, &counts)
	assert.Equal(t, 2, counts.PendingLocations)
	assert.Equal(t, 2, counts.TotalPending)
}

func TestSyncNowDisabled(t *testing.T) {
	f := newAPIFixture(t)

	// The fixture has no remote configured, so an on-demand sync is refused.
	rec := f.do(t, http.MethodPost, "/api/v1/employees/emp-1/sync", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeServiceUnavailable, env.Error.Code)
}

func TestClearDataEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, err := f.store.InsertSample(ctx, &models.LocationSample{
		EmployeeID: "emp-1",
		Latitude:   1, Longitude: 2,
		Timestamp: 1000,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/v1/employees/emp-1/data", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ClearDataResponse
	decodeEnvelope(t, rec, &resp)
	assert.Equal(t, int64(1), resp.RowsDeleted)
}

func TestClearDataRefusedWhileTracking(t *testing.T) {
	f := newAPIFixture(t)

	f.do(t, http.MethodPost, "/api/v1/tracking/start", models.StartTrackingRequest{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
	})

	rec := f.do(t, http.MethodDelete, "/api/v1/employees/emp-1/data", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	env := decodeEnvelope(t, rec, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeConflict, env.Error.Code)

	// A different employee's data is still clearable.
	rec = f.do(t, http.MethodDelete, "/api/v1/employees/emp-2/data", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec, nil)
	assert.True(t, env.Success)
}
