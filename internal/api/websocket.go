// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/fieldtrack/trackd/internal/logging"
	"github.com/fieldtrack/trackd/internal/models"
)

// upgrader accepts local UI connections only; the server binds to loopback,
// so origin checking is delegated to the CORS layer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// CountdownStream handles GET /api/v1/tracking/countdown/ws. It pushes the
// seconds-remaining once per second so the UI renders a live countdown
// without polling. The stream reads the countdown directly rather than
// occupying the single callback slot, so any number of connections can
// watch at once.
func (h *Handler) CountdownStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := logging.With().Str("component", "countdown-ws").Logger()
	logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Countdown stream opened")

	// Reader goroutine: drains client frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
			payload, err := json.Marshal(models.CountdownResponse{
				SecondsRemaining: h.tracker.NextSyncCountdown(),
			})
			if err != nil {
				logger.Error().Err(err).Msg("Failed to marshal countdown")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug().Err(err).Msg("Countdown stream closed")
				return
			}
		}
	}
}
