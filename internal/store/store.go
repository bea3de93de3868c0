// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package store implements the local durable store: crash-safe, append-only
// persistence for location samples and emergency checkout records, queryable
// by employee and sync status.
//
// The store is backed by an embedded DuckDB database. Every operation is a
// single transaction and never touches the network; callers on the sampling
// path can treat inserts as local, bounded-latency writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
)

// Errors returned by store operations.
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record ID does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store wraps the DuckDB connection holding the location_updates and
// emergency_checkouts tables.
type Store struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	// closed is read on every operation, concurrently with Close: shutdown
	// races the fire-and-forget drain goroutines.
	closed atomic.Bool

	// queryTimeout bounds individual operations when the caller passes a
	// context without a deadline.
	queryTimeout time.Duration
}

// Open creates the database file (and parent directory) if needed,
// initializes the schema, and returns a ready Store.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB is embedded; a single writer connection avoids transaction
	// conflicts between the sampler, the sync engine, and housekeeping.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{
		conn:         conn,
		cfg:          cfg,
		queryTimeout: 30 * time.Second,
	}

	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Durable store opened")
	return s, nil
}

// migration is one schema change, applied at most once and recorded in
// schema_migrations.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_location_updates",
		sql: `
			CREATE SEQUENCE IF NOT EXISTS location_updates_id_seq;
			CREATE TABLE IF NOT EXISTS location_updates (
				id            BIGINT PRIMARY KEY DEFAULT nextval('location_updates_id_seq'),
				employee_id   TEXT NOT NULL,
				latitude      DOUBLE NOT NULL,
				longitude     DOUBLE NOT NULL,
				accuracy      DOUBLE NOT NULL DEFAULT 0,
				battery_level INTEGER NOT NULL,
				timestamp     BIGINT NOT NULL,
				synced        BOOLEAN NOT NULL DEFAULT FALSE,
				sync_attempts INTEGER NOT NULL DEFAULT 0,
				created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
	},
	{
		version: 2,
		name:    "create_emergency_checkouts",
		sql: `
			CREATE SEQUENCE IF NOT EXISTS emergency_checkouts_id_seq;
			CREATE TABLE IF NOT EXISTS emergency_checkouts (
				id             BIGINT PRIMARY KEY DEFAULT nextval('emergency_checkouts_id_seq'),
				employee_id    TEXT NOT NULL,
				latitude       DOUBLE NOT NULL,
				longitude      DOUBLE NOT NULL,
				accuracy       DOUBLE NOT NULL DEFAULT 0,
				battery_level  INTEGER NOT NULL,
				check_out_time BIGINT NOT NULL,
				reason         TEXT NOT NULL,
				check_out_data TEXT,
				synced         BOOLEAN NOT NULL DEFAULT FALSE,
				sync_attempts  INTEGER NOT NULL DEFAULT 0,
				created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
	},
	{
		version: 3,
		name:    "create_sync_indexes",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_location_updates_pending
				ON location_updates (employee_id, synced, timestamp);
			CREATE INDEX IF NOT EXISTS idx_emergency_checkouts_pending
				ON emergency_checkouts (employee_id, synced, check_out_time);`,
	},
}

// migrate applies all unapplied migrations in version order.
func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}

		if _, err := s.conn.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		logging.Debug().Int("version", m.version).Str("name", m.name).Msg("Applied store migration")
	}

	return nil
}

// ensureContext returns the given context, or one bounded by the default
// query timeout when the caller passed no deadline.
func (s *Store) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Ping checks whether the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil || s.closed.Load() {
		return ErrClosed
	}
	return s.conn.PingContext(ctx)
}

// Close flushes the DuckDB WAL with a checkpoint and closes the connection.
// Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint store before close")
	}

	return s.conn.Close()
}
