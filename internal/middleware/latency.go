// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package middleware

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mfaulds/waypost/internal/logging"
)

// slowRequestThreshold triggers a warning log per request.
const slowRequestThreshold = 1000 * time.Millisecond

// sample is one observed request.
type sample struct {
	Route      string
	DurationMS int64
}

// LatencyMonitor keeps a sliding window of request durations and reports
// per-route percentiles through the readiness endpoint.
type LatencyMonitor struct {
	mu         sync.RWMutex
	samples    []sample
	maxSamples int
}

// RouteLatency is the aggregate for one route.
type RouteLatency struct {
	Route        string  `json:"route"`
	RequestCount int     `json:"request_count"`
	AvgMS        float64 `json:"avg_ms"`
	P50MS        int64   `json:"p50_ms"`
	P95MS        int64   `json:"p95_ms"`
	P99MS        int64   `json:"p99_ms"`
}

// NewLatencyMonitor creates a monitor holding at most maxSamples recent
// requests.
func NewLatencyMonitor(maxSamples int) *LatencyMonitor {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &LatencyMonitor{
		samples:    make([]sample, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// Middleware records the duration of each request.
func (lm *LatencyMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		elapsed := time.Since(start)

		lm.record(r.Method+" "+r.URL.Path, elapsed.Milliseconds())

		if elapsed > slowRequestThreshold {
			logging.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int64("duration_ms", elapsed.Milliseconds()).
				Msg("Slow request")
		}
	})
}

func (lm *LatencyMonitor) record(route string, durationMS int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.samples = append(lm.samples, sample{Route: route, DurationMS: durationMS})
	if len(lm.samples) > lm.maxSamples {
		lm.samples = lm.samples[1:]
	}
}

// Stats aggregates the current window per route, busiest routes first.
func (lm *LatencyMonitor) Stats() []RouteLatency {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	byRoute := make(map[string][]int64)
	for _, s := range lm.samples {
		byRoute[s.Route] = append(byRoute[s.Route], s.DurationMS)
	}

	out := make([]RouteLatency, 0, len(byRoute))
	for route, durations := range byRoute {
		sorted := make([]int64, len(durations))
		copy(sorted, durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, d := range sorted {
			sum += d
		}
		out = append(out, RouteLatency{
			Route:        route,
			RequestCount: len(sorted),
			AvgMS:        float64(sum) / float64(len(sorted)),
			P50MS:        percentile(sorted, 0.50),
			P95MS:        percentile(sorted, 0.95),
			P99MS:        percentile(sorted, 0.99),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RequestCount > out[j].RequestCount })
	return out
}

// percentile picks the p-th percentile from a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
