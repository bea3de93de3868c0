// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/models"
	"github.com/fieldtrack/trackd/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fakeRemote is a scriptable attendance service.
type fakeRemote struct {
	mu sync.Mutex

	// failBatches makes the next N location-batch requests return 500.
	failBatches int

	// failCheckouts makes the next N checkout requests return 500.
	failCheckouts int

	// rejectIDs lists sample IDs the server accepts nothing for.
	rejectIDs map[int64]bool

	// batchTimestamps records the sample timestamps of each batch received.
	batchTimestamps [][]int64

	checkouts []checkoutRequest
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/location-batch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var req locationBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if f.failBatches > 0 {
			f.failBatches--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var ts []int64
		var accepted []int64
		for _, sm := range req.Samples {
			ts = append(ts, sm.Timestamp)
			if !f.rejectIDs[sm.ID] {
				accepted = append(accepted, sm.ID)
			}
		}
		f.batchTimestamps = append(f.batchTimestamps, ts)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(locationBatchResponse{Accepted: accepted})
	})
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.failCheckouts > 0 {
			f.failCheckouts--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.checkouts = append(f.checkouts, req)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func testEngine(t *testing.T, st *store.Store, remote *fakeRemote, batchSize int) *Engine {
	t.Helper()
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	cfg := &config.SyncConfig{
		RemoteURL:     srv.URL,
		RecordTimeout: 5 * time.Second,
		BatchSize:     batchSize,
	}
	return NewEngine(st, NewHTTPClient(cfg), cfg)
}

func insertSamples(t *testing.T, st *store.Store, employeeID string, timestamps ...int64) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		id, err := st.InsertSample(context.Background(), &models.LocationSample{
			EmployeeID:   employeeID,
			Latitude:     52.52,
			Longitude:    13.405,
			BatteryLevel: 60,
			Timestamp:    ts,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestDrainDeliversOldestFirst(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{}
	engine := testEngine(t, st, remote, 100)

	insertSamples(t, st, "emp-1", 3000, 1000, 2000)

	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.SyncedLocations)
	assert.Zero(t, result.FailedLocations)

	require.Len(t, remote.batchTimestamps, 1)
	assert.Equal(t, []int64{1000, 2000, 3000}, remote.batchTimestamps[0])

	counts, err := st.PendingCounts(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Zero(t, counts.TotalPending)
}

func TestDrainBatches(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{}
	engine := testEngine(t, st, remote, 2)

	insertSamples(t, st, "emp-1", 1000, 2000, 3000, 4000, 5000)

	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 5, result.SyncedLocations)

	require.Len(t, remote.batchTimestamps, 3)
	assert.Equal(t, []int64{1000, 2000}, remote.batchTimestamps[0])
	assert.Equal(t, []int64{3000, 4000}, remote.batchTimestamps[1])
	assert.Equal(t, []int64{5000}, remote.batchTimestamps[2])
}

func TestDrainFailThenSucceed(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{failBatches: 1}
	engine := testEngine(t, st, remote, 100)

	insertSamples(t, st, "emp-1", 1000, 2000, 3000)

	// First pass: the remote is down, every record stays pending with one
	// recorded attempt.
	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Zero(t, result.SyncedLocations)
	assert.Equal(t, 3, result.FailedLocations)

	pending, err := st.ListUnsynced(context.Background(), "emp-1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, sm := range pending {
		assert.Equal(t, 1, sm.SyncAttempts)
	}

	// Second pass: the remote recovered, everything drains.
	result, err = engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.SyncedLocations)
	assert.Zero(t, result.FailedLocations)

	counts, err := st.PendingCounts(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Zero(t, counts.TotalPending)
}

func TestDrainPartialAccept(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{}
	engine := testEngine(t, st, remote, 100)

	ids := insertSamples(t, st, "emp-1", 1000, 2000, 3000)
	remote.rejectIDs = map[int64]bool{ids[1]: true}

	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.SyncedLocations)
	assert.Equal(t, 1, result.FailedLocations)

	pending, err := st.ListUnsynced(context.Background(), "emp-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, 1, pending[0].SyncAttempts)
}

func TestDrainDeliversCheckouts(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{}
	engine := testEngine(t, st, remote, 100)

	_, err := st.InsertEmergencyCheckout(context.Background(), &models.EmergencyCheckoutRecord{
		EmployeeID:   "emp-1",
		Latitude:     52.52,
		Longitude:    13.405,
		BatteryLevel: 2,
		CheckOutTime: 9000,
		Reason:       models.CheckoutBatteryDrain,
	})
	require.NoError(t, err)

	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCheckOuts)

	require.Len(t, remote.checkouts, 1)
	assert.Equal(t, "emergency", remote.checkouts[0].Method)
	assert.Equal(t, string(models.CheckoutBatteryDrain), remote.checkouts[0].Reason)
	assert.Equal(t, int64(9000), remote.checkouts[0].CheckOutTime)

	counts, err := st.PendingCounts(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Zero(t, counts.TotalPending)
}

func TestDrainCheckoutFailureKeepsRecord(t *testing.T) {
	st := testStore(t)
	remote := &fakeRemote{failCheckouts: 1}
	engine := testEngine(t, st, remote, 100)

	_, err := st.InsertEmergencyCheckout(context.Background(), &models.EmergencyCheckoutRecord{
		EmployeeID:   "emp-1",
		CheckOutTime: 9000,
		Reason:       models.CheckoutForceClose,
	})
	require.NoError(t, err)

	result, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCheckOuts)

	recs, err := st.ListUnsyncedEmergencyCheckouts(context.Background(), "emp-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].SyncAttempts)
}

func TestDrainInFlightGuard(t *testing.T) {
	st := testStore(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(locationBatchResponse{})
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	cfg := &config.SyncConfig{RemoteURL: srv.URL, RecordTimeout: 5 * time.Second, BatchSize: 100}
	engine := NewEngine(st, NewHTTPClient(cfg), cfg)

	insertSamples(t, st, "emp-1", 1000)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = engine.SyncPendingForEmployee(context.Background(), "emp-1")
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let the first pass reach the remote

	_, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	assert.ErrorIs(t, err, ErrDrainInFlight)

	release <- struct{}{}
	<-done
}

func TestSyncDisabled(t *testing.T) {
	st := testStore(t)
	engine := NewEngine(st, nil, &config.SyncConfig{})

	_, err := engine.SyncPendingForEmployee(context.Background(), "emp-1")
	assert.ErrorIs(t, err, ErrSyncDisabled)
}
