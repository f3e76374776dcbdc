// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mfaulds/waypost/internal/channel"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/middleware"
)

// handleWebSocket serves GET /api/v1/ws: upgrades the connection and hands
// the session to the event channel hub. Identity has already been resolved
// by the middleware stack (bearer token or ?token= query parameter).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	operatorID := middleware.OperatorFromContext(r.Context())
	carrierID := middleware.CarrierFromContext(r.Context())
	session := channel.NewSession(s.hub, conn, operatorID, carrierID)

	logging.Info().
		Str("session_id", session.ID()).
		Str("operator_id", operatorID).
		Msg("WebSocket session opened")

	s.hub.Register <- session
	session.Start()
}

// checkOrigin allows same-origin requests and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	// Development mode is permissive so the portal can run off a Vite dev
	// server on an arbitrary port.
	return !s.cfg.IsProduction()
}
