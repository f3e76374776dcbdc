// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package notify serializes transient UI notifications. Standard notices
// render in FIFO arrival order and auto-dismiss after a fixed duration, each
// on its own timer. Emergency alerts bypass the timed queue entirely: the
// modal stays until the operator acknowledges it.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfaulds/waypost/internal/logging"
)

// DefaultDismissAfter is the standard notice lifetime.
const DefaultDismissAfter = 5 * time.Second

// Entry is one visible notification.
type Entry struct {
	ID       string
	Message  string
	Severity string
	At       time.Time
	seq      uint64
}

// Modal is one emergency alert awaiting acknowledgment.
type Modal struct {
	ID         string
	ShipmentID string
	Message    string
	Severity   string
	At         time.Time
	seq        uint64
}

// Queue manages notices and emergency modals.
type Queue struct {
	dismissAfter time.Duration

	// onRender, if set, is called after every visible-state change.
	onRender func()

	mu      sync.Mutex
	seq     uint64
	entries map[string]*Entry
	modals  map[string]*Modal
	timers  map[string]*time.Timer
	stopped bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithDismissAfter overrides the standard notice lifetime.
func WithDismissAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.dismissAfter = d
		}
	}
}

// WithRenderFunc registers a callback fired after every change, the UI's
// repaint trigger.
func WithRenderFunc(fn func()) Option {
	return func(q *Queue) { q.onRender = fn }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		dismissAfter: DefaultDismissAfter,
		entries:      make(map[string]*Entry),
		modals:       make(map[string]*Modal),
		timers:       make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a standard notice and schedules its auto-dismiss. Each
// entry's timer is independent; later entries never extend earlier ones.
func (q *Queue) Enqueue(message, severity string) string {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ""
	}
	q.seq++
	entry := &Entry{
		ID:       uuid.New().String(),
		Message:  message,
		Severity: severity,
		At:       time.Now(),
		seq:      q.seq,
	}
	q.entries[entry.ID] = entry
	q.timers[entry.ID] = time.AfterFunc(q.dismissAfter, func() {
		q.Dismiss(entry.ID)
	})
	q.mu.Unlock()

	q.render()
	return entry.ID
}

// EnqueueEmergency raises an acknowledgment-gated modal. No timer: the
// modal stays until Acknowledge. Modals stack; each dismisses individually.
func (q *Queue) EnqueueEmergency(shipmentID, message, severity string) string {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ""
	}
	q.seq++
	modal := &Modal{
		ID:         uuid.New().String(),
		ShipmentID: shipmentID,
		Message:    message,
		Severity:   severity,
		At:         time.Now(),
		seq:        q.seq,
	}
	q.modals[modal.ID] = modal
	q.mu.Unlock()

	logging.Warn().
		Str("shipment_id", shipmentID).
		Str("severity", severity).
		Msg("Emergency modal raised")
	q.render()
	return modal.ID
}

// Dismiss removes one notice, whether by timer or user action.
func (q *Queue) Dismiss(id string) {
	q.mu.Lock()
	_, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
		if timer, has := q.timers[id]; has {
			timer.Stop()
			delete(q.timers, id)
		}
	}
	q.mu.Unlock()
	if ok {
		q.render()
	}
}

// Acknowledge closes one emergency modal.
func (q *Queue) Acknowledge(id string) {
	q.mu.Lock()
	_, ok := q.modals[id]
	delete(q.modals, id)
	q.mu.Unlock()
	if ok {
		q.render()
	}
}

// Entries returns visible notices in arrival order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Modals returns open emergency modals in arrival order.
func (q *Queue) Modals() []Modal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Modal, 0, len(q.modals))
	for _, m := range q.modals {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Stop cancels every pending timer and rejects further enqueues. Part of
// session teardown: the queue and its timers go down together.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) render() {
	if q.onRender != nil {
		q.onRender()
	}
}
