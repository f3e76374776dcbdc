// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

/*
Package middleware provides HTTP middleware components for the portal API.

This package implements infrastructure middleware for request ID tracking,
operator identity, gzip compression, latency monitoring and Prometheus
instrumentation. CORS and rate limiting are handled by go-chi/cors and
go-chi/httprate at the router level.

The typical stack for an API route group is:

	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.Compression)
	r.Use(identity.Require)

All components are safe for concurrent use.
*/
package middleware
