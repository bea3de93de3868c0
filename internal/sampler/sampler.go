// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package sampler produces position+battery readings on a fixed cadence,
// independent of the UI lifecycle.
//
// Platform specifics (foreground service, background execution, permission
// prompts) live behind the Provider interface, so the state machine, store
// and sync engine stay platform-agnostic and testable without a real OS
// location service.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/metrics"
)

// Errors surfaced by the sampler and its providers.
var (
	// ErrPermissionDenied means the platform refused (or revoked) the
	// location permission. Fatal to sampling; never silently swallowed.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrNoFix means no fix was obtained within the timeout and no earlier
	// fix exists to fall back to.
	ErrNoFix = errors.New("no location fix available")
)

// Fix is one raw position from the platform.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // meters; 0 means unknown
	Timestamp int64   // device-clock milliseconds at capture
}

// Reading is what the sampler reports per tick: a fix plus battery level.
// Stale is set when the fix is a fallback to an earlier one because a fresh
// fix did not arrive within the configured timeout; a stale reading keeps
// the fallback fix's capture time as Timestamp, never the tick time.
type Reading struct {
	Latitude     float64
	Longitude    float64
	Accuracy     float64
	BatteryLevel int
	Timestamp    int64
	Stale        bool
}

// Provider is the platform capability the sampler runs on.
//
// CurrentFix blocks until a fix is available or the context expires.
// Implementations must return ErrPermissionDenied (possibly wrapped) when
// the permission is missing or revoked mid-session.
type Provider interface {
	// RequestPermission acquires whatever elevated/background permission
	// the platform requires. Called once at Start.
	RequestPermission(ctx context.Context) error

	// CurrentFix returns a fresh position fix.
	CurrentFix(ctx context.Context) (Fix, error)

	// BatteryLevel returns the battery percentage in [0,100].
	BatteryLevel(ctx context.Context) (int, error)
}

// Config holds the sampler's timing parameters.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// FixTimeout bounds the wait for a fresh fix per tick.
	FixTimeout time.Duration
}

// Sampler runs the tick loop for one tracking session.
type Sampler struct {
	provider Provider
	cfg      Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// lastFix is the fallback when a fresh fix times out.
	lastFix   *Fix
	lastFixMu sync.Mutex
	lastLevel int

	// Callbacks, set before Start.
	onReading        func(Reading)
	onPermissionLost func(error)
}

// New creates a sampler over the given provider.
func New(provider Provider, cfg Config) *Sampler {
	return &Sampler{
		provider:  provider,
		cfg:       cfg,
		lastLevel: -1,
	}
}

// SetOnReading registers the per-tick callback. Must be set before Start.
func (s *Sampler) SetOnReading(fn func(Reading)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReading = fn
}

// SetOnPermissionLost registers the callback invoked when the permission is
// revoked mid-session. The sampler stops itself before invoking it.
func (s *Sampler) SetOnPermissionLost(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPermissionLost = fn
}

// Start begins continuous sampling. It requests the platform permission
// first and fails loudly when denied rather than dropping samples silently.
// Starting an already-running sampler is a no-op.
//
// The context bounds only the permission request. Sampling itself runs for
// the life of the session, until Stop: callers typically start a session
// from a request-scoped context that is canceled as soon as the response is
// written, and that cancellation must not reach the tick loop.
func (s *Sampler) Start(ctx context.Context, employeeID string) error {
	permCtx, cancel := context.WithTimeout(ctx, s.cfg.FixTimeout)
	err := s.provider.RequestPermission(permCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("request location permission: %w", err)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stopChan := s.stopChan
	s.mu.Unlock()

	logging.Info().
		Str("component", "sampler").
		Str("employee_id", employeeID).
		Dur("interval", s.cfg.Interval).
		Msg("Sampler started")

	s.wg.Add(1)
	go s.tickLoop(stopChan)

	return nil
}

// Stop halts sampling. Idempotent; a pending tick that fires after Stop is
// discarded because the loop observes the closed stop channel first.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info().Str("component", "sampler").Msg("Sampler stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Sampler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastReading returns the most recent reading assembled from cached state,
// or nil when no fix has ever been obtained. Used by the emergency handler
// when there is no time to wait for a fresh fix.
func (s *Sampler) LastReading() *Reading {
	s.lastFixMu.Lock()
	defer s.lastFixMu.Unlock()
	if s.lastFix == nil {
		return nil
	}
	level := s.lastLevel
	if level < 0 {
		level = 0
	}
	return &Reading{
		Latitude:     s.lastFix.Latitude,
		Longitude:    s.lastFix.Longitude,
		Accuracy:     s.lastFix.Accuracy,
		BatteryLevel: level,
		Timestamp:    s.lastFix.Timestamp,
		Stale:        true,
	}
}

// tickLoop runs one tick immediately, then on every interval until the stop
// channel closes. The stop channel is the loop's only cancellation signal.
func (s *Sampler) tickLoop(stopChan chan struct{}) {
	defer s.wg.Done()

	s.tick(stopChan)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.tick(stopChan)
		}
	}
}

// tick obtains one reading and reports it. A fresh-fix timeout falls back
// to the last known fix flagged stale; a permission error stops the loop
// and raises onPermissionLost.
func (s *Sampler) tick(stopChan chan struct{}) {
	// A tick racing Stop must not report after logical checkout.
	select {
	case <-stopChan:
		return
	default:
	}

	start := time.Now()
	fixCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FixTimeout)
	fix, err := s.provider.CurrentFix(fixCtx)
	cancel()
	metrics.SamplerFixWait.Observe(time.Since(start).Seconds())

	var reading Reading
	switch {
	case err == nil:
		s.lastFixMu.Lock()
		s.lastFix = &fix
		s.lastFixMu.Unlock()
		reading = Reading{
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			Accuracy:  fix.Accuracy,
			Timestamp: fix.Timestamp,
		}
		metrics.SamplerTicks.WithLabelValues("fresh").Inc()

	case errors.Is(err, ErrPermissionDenied):
		logging.Error().Str("component", "sampler").Err(err).Msg("Location permission lost mid-session")
		s.mu.Lock()
		lost := s.onPermissionLost
		s.mu.Unlock()
		// Stop in a goroutine: Stop waits for this loop to exit.
		go func() {
			s.Stop()
			if lost != nil {
				lost(err)
			}
		}()
		return

	default:
		// Timeout or transient provider failure: report the last known fix
		// flagged stale rather than blocking or going dark.
		s.lastFixMu.Lock()
		last := s.lastFix
		s.lastFixMu.Unlock()
		if last == nil {
			metrics.SamplerTicks.WithLabelValues("error").Inc()
			logging.Warn().Str("component", "sampler").Err(err).Msg("No fix and no fallback, skipping tick")
			return
		}
		reading = Reading{
			Latitude:  last.Latitude,
			Longitude: last.Longitude,
			Accuracy:  last.Accuracy,
			Timestamp: last.Timestamp,
			Stale:     true,
		}
		metrics.SamplerTicks.WithLabelValues("stale").Inc()
	}

	battCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FixTimeout)
	level, err := s.provider.BatteryLevel(battCtx)
	cancel()
	if err != nil {
		logging.Debug().Str("component", "sampler").Err(err).Msg("Battery level unavailable")
		s.lastFixMu.Lock()
		level = s.lastLevel
		s.lastFixMu.Unlock()
		if level < 0 {
			level = 0
		}
	} else {
		s.lastFixMu.Lock()
		s.lastLevel = level
		s.lastFixMu.Unlock()
	}
	reading.BatteryLevel = level

	s.mu.Lock()
	onReading := s.onReading
	s.mu.Unlock()
	if onReading != nil {
		onReading(reading)
	}
}
