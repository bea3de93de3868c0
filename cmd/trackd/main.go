// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package main is the entry point for the trackd agent.
//
// Trackd is the device-side half of the Fieldtrack attendance system: a
// background agent that samples the employee's position on a fixed cadence
// while checked in, buffers every sample durably on the device, and syncs
// the buffer to the remote attendance service whenever connectivity allows.
// A local HTTP API drives the UI layer (check-in, check-out, countdown,
// pending counts).
//
// # Application Architecture
//
// The agent initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML, TRACKD_* env)
//  2. Durable store: embedded DuckDB holding samples and emergency checkouts
//  3. Crash journal: BadgerDB snapshot of the active session (fsync writes)
//  4. Crash recovery: a journaled session with no clean checkout becomes a
//     FORCE_CLOSE emergency checkout queued for sync
//  5. Sampler: polls the platform shim's reading file on the sample interval
//  6. Sync engine: circuit-broken, rate-limited delivery to the remote API
//  7. Supervisor tree: housekeeping, battery watcher and HTTP server under
//     suture supervision
//
// # Signal Handling
//
// On SIGINT/SIGTERM the agent shuts the tree down gracefully. If a session
// is still CHECKED_IN at that point, an APP_CLOSED emergency checkout is
// written locally before exit so the server can close the shift.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldtrack/trackd/internal/api"
	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/emergency"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/sampler"
	"github.com/fieldtrack/trackd/internal/snapshot"
	"github.com/fieldtrack/trackd/internal/store"
	"github.com/fieldtrack/trackd/internal/supervisor"
	"github.com/fieldtrack/trackd/internal/syncer"
	"github.com/fieldtrack/trackd/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("journal_path", cfg.Snapshot.Path).
		Bool("sync_enabled", cfg.SyncEnabled()).
		Dur("sample_interval", cfg.Tracking.SampleInterval).
		Msg("Starting trackd agent")

	st, err := store.Open(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open durable store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	journal, err := snapshot.Open(&cfg.Snapshot)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open crash journal")
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing journal")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A journaled session means the last run died without a checkout.
	recoveredEmployee, err := emergency.RecoverOrphanedSession(ctx, st, journal)
	if err != nil {
		logging.Error().Err(err).Msg("Crash recovery failed")
	}

	var client syncer.Client
	if cfg.SyncEnabled() {
		client = syncer.NewBreakerClient(syncer.NewHTTPClient(&cfg.Sync))
	} else {
		logging.Warn().Msg("No remote URL configured, records will buffer locally only")
	}
	engine := syncer.NewEngine(st, client, &cfg.Sync)

	provider := sampler.NewFileProvider(cfg.Tracking.ProviderPath, cfg.Tracking.ProviderMaxAge)
	smp := sampler.New(provider, sampler.Config{
		Interval:   cfg.Tracking.SampleInterval,
		FixTimeout: cfg.Tracking.FixTimeout,
	})

	trk := tracker.New(st, journal, smp, engine, &cfg.Tracking)

	// Push the recovered FORCE_CLOSE checkout out as soon as possible.
	if recoveredEmployee != "" && cfg.SyncEnabled() {
		go func() {
			drainCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			if _, err := engine.SyncPendingForEmployee(drainCtx, recoveredEmployee); err != nil &&
				!errors.Is(err, syncer.ErrDrainInFlight) {
				logging.Warn().Err(err).Str("employee_id", recoveredEmployee).Msg("Recovery drain failed")
			}
		}()
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddDataService(syncer.NewHousekeeper(st, &cfg.Sync))
	tree.AddTrackingService(emergency.NewBatteryWatcher(provider, trk, &cfg.Tracking))

	handler := api.NewHandler(trk, st, engine)
	server := api.NewServer(api.NewRouter(handler, &cfg.Server), &cfg.Server)
	tree.AddAPIService(server)

	errCh := tree.ServeBackground(ctx)

	var treeErr error
	treeDone := false
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	case treeErr = <-errCh:
		treeDone = true
	}
	stop()

	// The shutdown checkout must land in the local store before the store
	// closes; give it a bounded window.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	emergency.HandleShutdown(shutdownCtx, trk)
	cancel()

	if !treeDone {
		treeErr = <-errCh
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		logging.Error().Err(treeErr).Msg("Supervisor tree exited with error")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	trk.Wait()
	logging.Info().Msg("Trackd agent stopped")
}
