// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package api

import (
	"net/http"
	"time"
)

// handleHealthLive serves GET /health/live: process liveness only.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
	})
}

// handleHealthReady serves GET /health/ready: dependency checks plus the
// latency window for operators poking at a slow portal.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK

	if _, err := s.store.KPIs(r.Context(), time.Now().UTC()); err != nil {
		checks["snapshot"] = "unavailable: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["snapshot"] = "ok"
	}
	checks["channel"] = "ok"

	respondJSON(w, status, map[string]any{
		"status":          statusWord(status),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"active_sessions": s.hub.SessionCount(),
		"checks":          checks,
		"latency":         s.latency.Stats(),
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "degraded"
}
