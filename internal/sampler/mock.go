// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package sampler

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a scriptable Provider for tests and for running the agent
// without a real platform location service.
type MockProvider struct {
	mu sync.Mutex

	// Fixes are returned in order; the last one repeats once exhausted.
	Fixes []Fix

	// Battery is the reported battery level. Defaults to 100 until
	// SetBattery is called; SetBattery(0) reports a drained battery.
	Battery    int
	batterySet bool

	// PermissionErr, when set, is returned by RequestPermission.
	PermissionErr error

	// FixErr, when set, is returned by CurrentFix instead of a fix.
	FixErr error

	// FixDelay delays CurrentFix, to exercise the stale-fallback path.
	FixDelay time.Duration

	next int
}

// NewMockProvider returns a provider that repeats the given fix.
func NewMockProvider(fix Fix) *MockProvider {
	return &MockProvider{Fixes: []Fix{fix}, Battery: 100}
}

// RequestPermission implements Provider.
func (m *MockProvider) RequestPermission(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PermissionErr
}

// CurrentFix implements Provider.
func (m *MockProvider) CurrentFix(ctx context.Context) (Fix, error) {
	m.mu.Lock()
	delay := m.FixDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PermissionErr != nil {
		// Mid-session revocation surfaces through CurrentFix.
		return Fix{}, m.PermissionErr
	}
	if m.FixErr != nil {
		return Fix{}, m.FixErr
	}
	if len(m.Fixes) == 0 {
		return Fix{}, ErrNoFix
	}

	fix := m.Fixes[m.next]
	if m.next < len(m.Fixes)-1 {
		m.next++
	}
	if fix.Timestamp == 0 {
		fix.Timestamp = time.Now().UnixMilli()
	}
	return fix, nil
}

// BatteryLevel implements Provider.
func (m *MockProvider) BatteryLevel(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.batterySet && m.Battery == 0 {
		return 100, nil
	}
	return m.Battery, nil
}

// SetBattery updates the reported battery level.
func (m *MockProvider) SetBattery(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Battery = level
	m.batterySet = true
}

// SetFixErr sets or clears the fix error.
func (m *MockProvider) SetFixErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FixErr = err
}

// SetPermissionErr sets or clears the permission error, simulating a
// mid-session revocation.
func (m *MockProvider) SetPermissionErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PermissionErr = err
}
