// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package channel owns the server side of the event channel: websocket
// session lifecycle, the client frame protocol (subscribe, unsubscribe,
// status requests, pings) and graceful teardown. Event fan-out itself lives
// in the dispatch package; the hub only keeps the registry current.
package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/models"
	"github.com/mfaulds/waypost/internal/registry"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung operation during
	// shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// StatusSource answers request_shipment_status frames with the current
// read-model state of a shipment. A nil record with nil error means the
// shipment is unknown.
type StatusSource interface {
	Shipment(ctx context.Context, shipmentID string) (*models.ShipmentRecord, error)
}

// Hub maintains the set of live sessions and keeps the subscription registry
// consistent with connection lifecycle. Lifecycle events flow through the
// Register and Unregister channels so all state transitions happen on the
// hub's own goroutine.
type Hub struct {
	Register   chan *Session
	Unregister chan *Session

	registry *registry.Registry
	status   StatusSource

	sessionBuffer int

	// done closes when the lifecycle loop exits, releasing any goroutine
	// still trying to hand a session to it.
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a hub backed by the given registry. status may be nil, in
// which case request_shipment_status frames are answered with an error frame.
func NewHub(reg *registry.Registry, status StatusSource, sessionBuffer int) *Hub {
	if sessionBuffer <= 0 {
		sessionBuffer = 256
	}
	return &Hub{
		Register:      make(chan *Session),
		Unregister:    make(chan *Session),
		registry:      reg,
		status:        status,
		sessionBuffer: sessionBuffer,
		done:          make(chan struct{}),
		sessions:      make(map[string]*Session),
	}
}

// RunWithContext runs the hub's lifecycle loop until ctx is cancelled. On
// shutdown every session's outbound queue is closed and the registry is
// purged. Designed for suture supervision.
//
// Priority-based selection keeps behavior predictable when several channels
// are ready at once: shutdown first, then lifecycle events.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()

		case s := <-h.Register:
			h.addSession(s)

		case s := <-h.Unregister:
			h.removeSession(s)
		}
	}
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	total := len(h.sessions)
	h.mu.Unlock()

	h.registry.Register(s)

	// Confirm the channel is live before any domain events arrive.
	s.sendControl(events.TypeConnected, ackPayload{
		SessionID: s.id,
		Timestamp: time.Now().UTC(),
	})

	logging.Info().
		Str("session_id", s.id).
		Str("operator_id", s.OperatorID).
		Int("total_sessions", total).
		Msg("Session connected")
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	if ok {
		delete(h.sessions, s.id)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}

	// Eager prune: subscriptions die with the connection.
	h.registry.Deregister(s.id)
	s.closeSend()

	logging.Info().
		Str("session_id", s.id).
		Int("total_sessions", total).
		Msg("Session disconnected")
}

// Drop schedules removal of a session by ID, used by the dispatcher when a
// session's buffer stays full. Safe to call from any goroutine.
func (h *Hub) Drop(sessionID string) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case h.Unregister <- s:
	case <-h.done:
	default:
		// Hub loop is busy; don't block the dispatcher.
		go func() { h.unregister(s) }()
	}
}

// unregister hands a session to the lifecycle loop, giving up once the hub
// has shut down. Read pumps outlive the loop during teardown, so a plain
// channel send here would strand their goroutines.
func (h *Hub) unregister(s *Session) {
	select {
	case h.Unregister <- s:
	case <-h.done:
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// subscribe registers a session's interest and acknowledges it, followed by
// the shipment's current state so the client renders without waiting for the
// next update.
func (h *Hub) subscribe(s *Session, shipmentID string) {
	if !h.registry.Subscribe(s.id, shipmentID) {
		s.sendError("session not registered")
		return
	}
	s.sendControl(events.TypeSubscribed, ackPayload{
		ShipmentID: shipmentID,
		Timestamp:  time.Now().UTC(),
	})
	logging.Debug().
		Str("session_id", s.id).
		Str("shipment_id", shipmentID).
		Msg("Session subscribed")

	h.sendShipmentStatus(s, shipmentID)
}

func (h *Hub) unsubscribe(s *Session, shipmentID string) {
	h.registry.Unsubscribe(s.id, shipmentID)
	s.sendControl(events.TypeUnsubscribed, ackPayload{
		ShipmentID: shipmentID,
		Timestamp:  time.Now().UTC(),
	})
	logging.Debug().
		Str("session_id", s.id).
		Str("shipment_id", shipmentID).
		Msg("Session unsubscribed")
}

// sendShipmentStatus answers with the shipment's current read-model state.
func (h *Hub) sendShipmentStatus(s *Session, shipmentID string) {
	if h.status == nil {
		s.sendError("shipment status unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := h.status.Shipment(ctx, shipmentID)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", shipmentID).Msg("shipment status lookup failed")
		s.sendError("shipment status lookup failed")
		return
	}
	if record == nil {
		s.sendError("unknown shipment " + shipmentID)
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", shipmentID).Msg("failed to marshal shipment status")
		return
	}
	s.Send(events.Envelope{Type: events.TypeShipmentStatus, Data: data})
}

// logGracefulShutdown closes every session and logs structured shutdown
// information. Context cancellation is expected behavior, not an error.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.done) })
	closed := h.closeAllSessions()

	reason := ShutdownReasonContextCanceled
	if ctx.Err() == context.DeadlineExceeded {
		reason = ShutdownReasonContextDeadline
	}

	logging.Info().
		Str("component", "channel-hub").
		Str("reason", string(reason)).
		Int("sessions_closed", closed).
		Msg("Channel hub stopped")
}

// closeAllSessions tears down every session in ordinal order for consistent
// shutdown behavior.
func (h *Hub) closeAllSessions() int {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ordinal < sessions[j].ordinal })

	for _, s := range sessions {
		h.registry.Deregister(s.id)
		s.closeSend()
	}
	return len(sessions)
}
