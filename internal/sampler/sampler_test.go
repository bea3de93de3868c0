// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package sampler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Interval:   20 * time.Millisecond,
		FixTimeout: 50 * time.Millisecond,
	}
}

func waitForReading(t *testing.T, ch <-chan Reading) Reading {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reading")
		return Reading{}
	}
}

func TestSamplerReportsFreshReadings(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 52.52, Longitude: 13.405, Accuracy: 5})
	provider.SetBattery(80)

	s := New(provider, testConfig())
	readings := make(chan Reading, 16)
	s.SetOnReading(func(r Reading) { readings <- r })

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	r := waitForReading(t, readings)
	if r.Stale {
		t.Error("first reading flagged stale, want fresh")
	}
	if r.Latitude != 52.52 || r.Longitude != 13.405 {
		t.Errorf("reading position = (%v, %v), want (52.52, 13.405)", r.Latitude, r.Longitude)
	}
	if r.BatteryLevel != 80 {
		t.Errorf("reading battery = %d, want 80", r.BatteryLevel)
	}
	if r.Timestamp == 0 {
		t.Error("reading timestamp is zero")
	}

	// The ticker keeps producing without being prompted.
	waitForReading(t, readings)
}

func TestSamplerOutlivesStartContext(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 52.52, Longitude: 13.405})

	s := New(provider, testConfig())
	readings := make(chan Reading, 64)
	s.SetOnReading(func(r Reading) { readings <- r })

	// Sessions start from request-scoped contexts; cancellation of that
	// context after the response must not end background sampling.
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitForReading(t, readings)
	cancel()

	// Drain anything queued before the cancel, then demand fresh ticks.
	for len(readings) > 0 {
		<-readings
	}
	waitForReading(t, readings)
	waitForReading(t, readings)

	if !s.IsRunning() {
		t.Error("sampler stopped after start-context cancel")
	}
}

func TestSamplerStaleFallback(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 52.52, Longitude: 13.405})

	s := New(provider, testConfig())
	readings := make(chan Reading, 16)
	s.SetOnReading(func(r Reading) { readings <- r })

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	first := waitForReading(t, readings)
	if first.Stale {
		t.Fatal("first reading flagged stale, want fresh")
	}

	// The provider stops producing fixes; the sampler must fall back to the
	// cached fix, flagged stale, instead of going dark.
	provider.SetFixErr(errors.New("gps cold"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-readings:
			if !r.Stale {
				continue // readings queued before the failure
			}
			if r.Latitude != 52.52 || r.Longitude != 13.405 {
				t.Errorf("stale reading position = (%v, %v), want cached fix", r.Latitude, r.Longitude)
			}
			if r.Timestamp != first.Timestamp {
				t.Errorf("stale reading timestamp = %d, want capture time %d of the cached fix", r.Timestamp, first.Timestamp)
			}
			return
		case <-deadline:
			t.Fatal("no stale fallback reading observed")
		}
	}
}

func TestSamplerSkipsTickWithoutAnyFix(t *testing.T) {
	provider := NewMockProvider(Fix{})
	provider.SetFixErr(errors.New("gps cold"))

	s := New(provider, testConfig())
	readings := make(chan Reading, 16)
	s.SetOnReading(func(r Reading) { readings <- r })

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	select {
	case r := <-readings:
		t.Errorf("got reading %+v with no fix ever obtained", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSamplerStartDeniedPermission(t *testing.T) {
	provider := NewMockProvider(Fix{})
	provider.SetPermissionErr(ErrPermissionDenied)

	s := New(provider, testConfig())
	err := s.Start(context.Background(), "emp-1")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want ErrPermissionDenied", err)
	}
	if s.IsRunning() {
		t.Error("sampler running after denied Start")
	}
}

func TestSamplerPermissionLostMidSession(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 1, Longitude: 2})

	s := New(provider, testConfig())
	lost := make(chan error, 1)
	s.SetOnPermissionLost(func(err error) { lost <- err })
	readings := make(chan Reading, 16)
	s.SetOnReading(func(r Reading) { readings <- r })

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForReading(t, readings)
	provider.SetPermissionErr(ErrPermissionDenied)

	select {
	case err := <-lost:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("permission-lost callback got %v, want ErrPermissionDenied", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission-lost callback never invoked")
	}

	// The sampler stops itself before notifying.
	if s.IsRunning() {
		t.Error("sampler still running after permission loss")
	}
}

func TestSamplerStopIdempotent(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 1, Longitude: 2})
	s := New(provider, testConfig())

	// Stop before start is a no-op.
	s.Stop()

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("sampler running after Stop")
	}
}

func TestSamplerStartWhileRunning(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 1, Longitude: 2})
	s := New(provider, testConfig())

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("sampler not running after double Start")
	}
}

func TestMockProviderBattery(t *testing.T) {
	m := NewMockProvider(Fix{})
	if level, _ := m.BatteryLevel(context.Background()); level != 100 {
		t.Errorf("default BatteryLevel() = %d, want 100", level)
	}

	m.SetBattery(0)
	if level, _ := m.BatteryLevel(context.Background()); level != 0 {
		t.Errorf("BatteryLevel() after SetBattery(0) = %d, want a drained battery", level)
	}

	var zero MockProvider
	if level, _ := zero.BatteryLevel(context.Background()); level != 100 {
		t.Errorf("zero-value BatteryLevel() = %d, want 100", level)
	}
}

func TestLastReading(t *testing.T) {
	provider := NewMockProvider(Fix{Latitude: 9, Longitude: 8, Accuracy: 7})
	provider.SetBattery(42)
	s := New(provider, testConfig())

	if got := s.LastReading(); got != nil {
		t.Errorf("LastReading() before any tick = %+v, want nil", got)
	}

	readings := make(chan Reading, 16)
	s.SetOnReading(func(r Reading) { readings <- r })
	if err := s.Start(context.Background(), "emp-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForReading(t, readings)
	s.Stop()

	got := s.LastReading()
	if got == nil {
		t.Fatal("LastReading() = nil after a tick")
	}
	if got.Latitude != 9 || got.Longitude != 8 {
		t.Errorf("LastReading() position = (%v, %v), want (9, 8)", got.Latitude, got.Longitude)
	}
	if !got.Stale {
		t.Error("LastReading() not flagged stale; cached state is always stale")
	}
	if got.BatteryLevel != 42 {
		t.Errorf("LastReading() battery = %d, want 42", got.BatteryLevel)
	}
}
