// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package snapshot implements the crash journal: a small BadgerDB store
// holding the active session and its last known reading, written
// synchronously (fsync) on every sample.
//
// The journal exists for one scenario: the process dies without warning
// (battery death, OS kill) while a session is CHECKED_IN. On the next start
// the tracker finds the stale active entry and writes a FORCE_CLOSE
// emergency checkout from the journaled last-known reading. There is no way
// to guarantee any write wins a race against an OS force-kill; the journal
// makes the window as small as one sample interval, which is the accepted
// best-effort limit of the design.
package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/metrics"
)

// ErrClosed is returned when the journal has been closed.
var ErrClosed = errors.New("journal is closed")

// activeKey is the single key holding the active session snapshot.
var activeKey = []byte("session:active")

// LastKnown is the most recent reading captured for the active session.
type LastKnown struct {
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel int       `json:"battery_level"`
	Timestamp    int64     `json:"timestamp"`
	CapturedAt   time.Time `json:"captured_at"`
}

// SessionSnapshot is the journaled state of the active tracking session.
type SessionSnapshot struct {
	EmployeeID   string     `json:"employee_id"`
	EmployeeName string     `json:"employee_name"`
	SessionID    string     `json:"session_id"`
	StartedAt    time.Time  `json:"started_at"`
	LastKnown    *LastKnown `json:"last_known,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Journal is the BadgerDB-backed crash journal.
type Journal struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open creates (or reopens) the journal at the configured path.
func Open(cfg *config.SnapshotConfig) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	// The journal holds a single small value; shrink Badger's defaults.
	opts.MemTableSize = 1 << 20
	opts.ValueLogFileSize = 1 << 20
	// Badger requires ValueThreshold <= 15% of MemTableSize; the default
	// (1 MiB) exceeds that once MemTableSize is shrunk above.
	opts.ValueThreshold = 1 << 10
	opts.NumCompactors = 2
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Bool("sync_writes", cfg.SyncWrites).Msg("Crash journal opened")
	return &Journal{db: db}, nil
}

// WriteActive journals the active session. Called at check-in and on every
// sample tick; the previous snapshot is overwritten.
func (j *Journal) WriteActive(snap *SessionSnapshot) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()

	snap.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(activeKey, data)
	})
	if err != nil {
		metrics.JournalErrors.Inc()
		return fmt.Errorf("write snapshot: %w", err)
	}

	metrics.JournalWrites.Inc()
	return nil
}

// Active returns the journaled session, or nil when no session was active
// at last write.
func (j *Journal) Active() (*SessionSnapshot, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil, ErrClosed
	}
	j.mu.RUnlock()

	var snap *SessionSnapshot
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap = &SessionSnapshot{}
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	return snap, nil
}

// ClearActive removes the journaled session. Called on every clean
// checkout; a missing entry is not an error.
func (j *Journal) ClearActive() error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()

	err := j.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(activeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.JournalErrors.Inc()
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// Close shuts the journal down. Safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
