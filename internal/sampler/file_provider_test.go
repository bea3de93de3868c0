// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package sampler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeShimFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "reading.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write shim file: %v", err)
	}
	return path
}

func TestFileProviderCurrentFix(t *testing.T) {
	path := writeShimFile(t, t.TempDir(),
		`{"latitude":52.52,"longitude":13.405,"accuracy":6,"battery_level":73,"timestamp":1700000000000}`)
	p := NewFileProvider(path, time.Minute)

	if err := p.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission() error = %v", err)
	}

	fix, err := p.CurrentFix(context.Background())
	if err != nil {
		t.Fatalf("CurrentFix() error = %v", err)
	}
	if fix.Latitude != 52.52 || fix.Longitude != 13.405 || fix.Accuracy != 6 {
		t.Errorf("CurrentFix() = %+v", fix)
	}
	if fix.Timestamp != 1700000000000 {
		t.Errorf("CurrentFix().Timestamp = %d, want shim timestamp", fix.Timestamp)
	}

	level, err := p.BatteryLevel(context.Background())
	if err != nil {
		t.Fatalf("BatteryLevel() error = %v", err)
	}
	if level != 73 {
		t.Errorf("BatteryLevel() = %d, want 73", level)
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "missing.json"), time.Minute)

	// The shim may simply not have written yet; that is not a permission
	// failure, but there is no fix either.
	if err := p.RequestPermission(context.Background()); err != nil {
		t.Errorf("RequestPermission() with missing file error = %v, want nil", err)
	}
	if _, err := p.CurrentFix(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Errorf("CurrentFix() with missing file error = %v, want ErrNoFix", err)
	}
}

func TestFileProviderRejectsOldReading(t *testing.T) {
	path := writeShimFile(t, t.TempDir(), `{"latitude":1,"longitude":2,"battery_level":50}`)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	p := NewFileProvider(path, time.Minute)
	if _, err := p.CurrentFix(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Errorf("CurrentFix() with stale file error = %v, want ErrNoFix", err)
	}
}

func TestFileProviderPermissionDenied(t *testing.T) {
	path := writeShimFile(t, t.TempDir(), `{"permission_denied":true,"battery_level":50}`)
	p := NewFileProvider(path, time.Minute)

	if err := p.RequestPermission(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("RequestPermission() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := p.CurrentFix(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CurrentFix() error = %v, want ErrPermissionDenied", err)
	}
}

func TestFileProviderBatteryOutOfRange(t *testing.T) {
	path := writeShimFile(t, t.TempDir(), `{"latitude":1,"longitude":2,"battery_level":250}`)
	p := NewFileProvider(path, time.Minute)

	if _, err := p.BatteryLevel(context.Background()); err == nil {
		t.Error("BatteryLevel() = nil error for out-of-range level")
	}
}
