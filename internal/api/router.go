// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/middleware"
)

// NewRouter assembles the Chi router for the local control API.
func NewRouter(handler *Handler, cfg *config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Operational endpoints: no rate limiting, no metrics recursion.
	r.Get("/healthz", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(middleware.PrometheusMetrics)

		r.Route("/tracking", func(r chi.Router) {
			r.Post("/start", handler.StartTracking)
			r.Post("/stop", handler.StopTracking)
			r.Get("/status", handler.Status)
			r.Get("/countdown", handler.Countdown)
			r.Get("/countdown/ws", handler.CountdownStream)
		})

		r.Route("/employees/{employeeID}", func(r chi.Router) {
			r.Get("/pending", handler.PendingCounts)
			r.Post("/sync", handler.SyncNow)
			r.Delete("/data", handler.ClearData)
		})
	})

	return r
}
