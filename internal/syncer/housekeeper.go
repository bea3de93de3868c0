// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/store"
)

// Housekeeper is a suture service that periodically prunes synced samples
// past the retention window. Emergency checkouts are never pruned.
type Housekeeper struct {
	store  *store.Store
	cfg    *config.SyncConfig
	logger zerolog.Logger
}

// NewHousekeeper builds the retention pruning service.
func NewHousekeeper(st *store.Store, cfg *config.SyncConfig) *Housekeeper {
	return &Housekeeper{
		store:  st,
		cfg:    cfg,
		logger: logging.With().Str("component", "housekeeper").Logger(),
	}
}

// String implements fmt.Stringer for supervisor logs.
func (h *Housekeeper) String() string {
	return "housekeeper"
}

// Serve implements suture.Service. Runs one prune immediately, then on every
// housekeeping interval until the context is cancelled.
func (h *Housekeeper) Serve(ctx context.Context) error {
	interval := h.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = time.Hour
	}

	h.prune(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.prune(ctx)
		}
	}
}

func (h *Housekeeper) prune(ctx context.Context) {
	n, err := h.store.PruneSynced(ctx, h.cfg.Retention)
	if err != nil {
		h.logger.Error().Err(err).Msg("Retention prune failed")
		return
	}
	if n > 0 {
		h.logger.Info().Int64("rows", n).Dur("retention", h.cfg.Retention).Msg("Pruned synced samples")
	}
}
