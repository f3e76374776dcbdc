// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package api exposes the portal's HTTP surface: the shipment snapshot
// endpoints the frontend hydrates from, the operator status-update and
// emergency-alert mutations, dashboard KPIs, and the websocket upgrade that
// hands connections to the event channel hub.
//
// Routing is built on chi. All /api/v1 routes sit behind CORS, rate
// limiting, security headers, Prometheus instrumentation and operator
// identity; health and metrics endpoints are unauthenticated.
package api
