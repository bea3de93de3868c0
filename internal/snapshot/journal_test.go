// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package snapshot

import (
	"testing"
	"time"

	"github.com/fieldtrack/trackd/internal/config"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(&config.SnapshotConfig{
		Path:       t.TempDir(),
		SyncWrites: false, // fsync per write is pointless on a test tmpfs
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return j
}

func TestActiveEmptyJournal(t *testing.T) {
	j := testJournal(t)

	snap, err := j.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if snap != nil {
		t.Errorf("Active() on empty journal = %+v, want nil", snap)
	}
}

func TestWriteActiveRoundTrip(t *testing.T) {
	j := testJournal(t)

	started := time.Now().UTC().Truncate(time.Millisecond)
	in := &SessionSnapshot{
		EmployeeID:   "emp-1",
		EmployeeName: "Kim Dao",
		SessionID:    "sess-1",
		StartedAt:    started,
		LastKnown: &LastKnown{
			Latitude:     52.52,
			Longitude:    13.405,
			Accuracy:     12,
			BatteryLevel: 47,
			Timestamp:    1234,
			CapturedAt:   started,
		},
	}
	if err := j.WriteActive(in); err != nil {
		t.Fatalf("WriteActive() error = %v", err)
	}

	out, err := j.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if out == nil {
		t.Fatal("Active() = nil after write")
	}
	if out.EmployeeID != in.EmployeeID || out.SessionID != in.SessionID {
		t.Errorf("Active() = %+v, want identity of %+v", out, in)
	}
	if out.LastKnown == nil || out.LastKnown.Latitude != 52.52 || out.LastKnown.Timestamp != 1234 {
		t.Errorf("Active().LastKnown = %+v", out.LastKnown)
	}
	if out.UpdatedAt.IsZero() {
		t.Error("Active().UpdatedAt is zero, want write time")
	}
}

func TestWriteActiveOverwrites(t *testing.T) {
	j := testJournal(t)

	for i, sessionID := range []string{"sess-1", "sess-2"} {
		err := j.WriteActive(&SessionSnapshot{
			EmployeeID: "emp-1",
			SessionID:  sessionID,
			StartedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("WriteActive() call %d error = %v", i+1, err)
		}
	}

	out, err := j.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if out == nil || out.SessionID != "sess-2" {
		t.Errorf("Active().SessionID = %v, want sess-2", out)
	}
}

func TestClearActive(t *testing.T) {
	j := testJournal(t)

	// Clearing an empty journal is not an error.
	if err := j.ClearActive(); err != nil {
		t.Fatalf("ClearActive() on empty journal error = %v", err)
	}

	if err := j.WriteActive(&SessionSnapshot{EmployeeID: "emp-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("WriteActive() error = %v", err)
	}
	if err := j.ClearActive(); err != nil {
		t.Fatalf("ClearActive() error = %v", err)
	}

	out, err := j.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if out != nil {
		t.Errorf("Active() after clear = %+v, want nil", out)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.SnapshotConfig{Path: dir, SyncWrites: false}

	j, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.WriteActive(&SessionSnapshot{EmployeeID: "emp-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("WriteActive() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j2.Close()

	out, err := j2.Active()
	if err != nil {
		t.Fatalf("Active() after reopen error = %v", err)
	}
	if out == nil || out.SessionID != "sess-1" {
		t.Errorf("Active() after reopen = %+v, want sess-1", out)
	}
}

func TestClosedJournalRejectsOperations(t *testing.T) {
	j := testJournal(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := j.WriteActive(&SessionSnapshot{EmployeeID: "emp-1"}); err != ErrClosed {
		t.Errorf("WriteActive() after close = %v, want ErrClosed", err)
	}
	if _, err := j.Active(); err != ErrClosed {
		t.Errorf("Active() after close = %v, want ErrClosed", err)
	}
	if err := j.ClearActive(); err != ErrClosed {
		t.Errorf("ClearActive() after close = %v, want ErrClosed", err)
	}
}
