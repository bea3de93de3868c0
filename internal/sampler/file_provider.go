// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package sampler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// platformReading is the JSON document the platform shim (the OS-specific
// location helper) keeps refreshed on disk for the agent to poll.
type platformReading struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Accuracy         float64 `json:"accuracy"`
	BatteryLevel     int     `json:"battery_level"`
	Timestamp        int64   `json:"timestamp"`
	PermissionDenied bool    `json:"permission_denied"`
}

// FileProvider reads position and battery state from a file maintained by
// the platform shim. The shim owns everything OS-specific (GPS access,
// background execution, permission prompts); the agent only consumes its
// output. A reading older than MaxAge counts as no fix, which routes the
// sampler into its stale-fallback path.
type FileProvider struct {
	// Path is the location of the shim's reading file.
	Path string

	// MaxAge is how old the file may be before its fix is rejected.
	MaxAge time.Duration
}

// NewFileProvider creates a provider over the shim file.
func NewFileProvider(path string, maxAge time.Duration) *FileProvider {
	return &FileProvider{Path: path, MaxAge: maxAge}
}

// RequestPermission implements Provider. The shim reports a denied platform
// permission through the reading file; a missing file just means the shim
// has not produced a reading yet, which is not a permission failure.
func (p *FileProvider) RequestPermission(ctx context.Context) error {
	reading, err := p.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return nil
	}
	if reading.PermissionDenied {
		return fmt.Errorf("platform shim reports denial: %w", ErrPermissionDenied)
	}
	return nil
}

// CurrentFix implements Provider.
func (p *FileProvider) CurrentFix(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}

	info, err := os.Stat(p.Path)
	if err != nil {
		return Fix{}, fmt.Errorf("stat platform reading: %w", ErrNoFix)
	}
	if p.MaxAge > 0 && time.Since(info.ModTime()) > p.MaxAge {
		return Fix{}, fmt.Errorf("platform reading is %v old: %w", time.Since(info.ModTime()).Round(time.Second), ErrNoFix)
	}

	reading, err := p.read()
	if err != nil {
		return Fix{}, fmt.Errorf("read platform reading: %w", ErrNoFix)
	}
	if reading.PermissionDenied {
		return Fix{}, fmt.Errorf("platform shim reports denial: %w", ErrPermissionDenied)
	}

	ts := reading.Timestamp
	if ts == 0 {
		ts = info.ModTime().UnixMilli()
	}
	return Fix{
		Latitude:  reading.Latitude,
		Longitude: reading.Longitude,
		Accuracy:  reading.Accuracy,
		Timestamp: ts,
	}, nil
}

// BatteryLevel implements Provider.
func (p *FileProvider) BatteryLevel(ctx context.Context) (int, error) {
	reading, err := p.read()
	if err != nil {
		return 0, fmt.Errorf("read battery level: %w", err)
	}
	if reading.BatteryLevel < 0 || reading.BatteryLevel > 100 {
		return 0, fmt.Errorf("battery level %d out of range", reading.BatteryLevel)
	}
	return reading.BatteryLevel, nil
}

func (p *FileProvider) read() (*platformReading, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	var reading platformReading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil, fmt.Errorf("parse platform reading: %w", err)
	}
	return &reading, nil
}
