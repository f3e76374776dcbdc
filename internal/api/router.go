// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfaulds/waypost/internal/middleware"
)

// Router assembles the full HTTP surface.
//
// Health and metrics stay outside the /api/v1 group so load balancers and
// Prometheus can reach them without credentials or rate limits.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Operator-ID", "X-Carrier-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Handle("/metrics", promhttp.Handler())

	identity := middleware.NewIdentity(s.cfg.Security.JWTSecret)

	r.Route("/api/v1", func(r chi.Router) {
		if !s.cfg.Security.RateLimitDisabled {
			r.Use(httprate.LimitByIP(
				s.cfg.Security.RateLimitReqs,
				s.cfg.Security.RateLimitWindow,
			))
		}
		r.Use(middleware.SecurityHeaders)
		r.Use(middleware.PrometheusMetrics)
		r.Use(s.latency.Middleware)
		r.Use(middleware.Compression)
		r.Use(identity.Require)

		r.Get("/shipments", s.handleListShipments)
		r.Get("/shipments/{id}", s.handleGetShipment)
		r.Get("/shipments/{id}/tracking-history", s.handleTrackingHistory)
		r.Post("/shipments/{id}/update-status", s.handleUpdateStatus)
		r.Post("/shipments/bulk-status-update", s.handleBulkUpdateStatus)
		r.Post("/alerts/emergency", s.handleEmergencyAlert)
		r.Get("/kpis", s.handleKPIs)
		r.Get("/statuses", s.handleStatuses)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.Security.CORSOrigins) > 0 {
		return s.cfg.Security.CORSOrigins
	}
	if s.cfg.IsProduction() {
		return nil
	}
	return []string{"*"}
}
