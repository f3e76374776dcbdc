// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package registry tracks which operator sessions are subscribed to which
// shipments. Both directions of the mapping are indexed so subscription
// checks, fan-out lookups and disconnect cleanup are all constant time in the
// number of unrelated sessions and shipments.
package registry

import (
	"sort"
	"sync"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/metrics"
)

// Session is the registry's view of a connected operator session. Send must
// not block: it reports false when the session cannot accept the frame.
type Session interface {
	ID() string
	Send(env events.Envelope) bool
}

// Registry is a thread-safe bidirectional index of session/shipment
// subscriptions. All methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// byShipment maps shipment ID -> session ID -> session.
	byShipment map[string]map[string]Session
	// bySession maps session ID -> set of subscribed shipment IDs.
	bySession map[string]map[string]struct{}
	// sessions maps session ID -> session, for broadcast fan-out.
	sessions map[string]Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byShipment: make(map[string]map[string]Session),
		bySession:  make(map[string]map[string]struct{}),
		sessions:   make(map[string]Session),
	}
}

// Register adds a connected session with no subscriptions. Registering the
// same session ID twice replaces the previous entry.
func (r *Registry) Register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID()] = s
	if existing, ok := r.bySession[s.ID()]; ok {
		// Re-registration keeps subscriptions but must route fan-out to the
		// new connection.
		for shipmentID := range existing {
			r.byShipment[shipmentID][s.ID()] = s
		}
	} else {
		r.bySession[s.ID()] = make(map[string]struct{})
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// Deregister removes a session and every subscription it holds. Safe to call
// for sessions that were never registered.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shipments, ok := r.bySession[sessionID]
	if ok {
		for shipmentID := range shipments {
			r.removeSubscription(shipmentID, sessionID)
		}
		delete(r.bySession, sessionID)
	}
	delete(r.sessions, sessionID)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	logging.Debug().Str("session_id", sessionID).Int("pruned", len(shipments)).
		Msg("Session deregistered")
}

// Subscribe adds a session's interest in a shipment. Subscribing twice to the
// same shipment is a no-op. Returns false if the session is not registered.
func (r *Registry) Subscribe(sessionID, shipmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	if _, dup := r.bySession[sessionID][shipmentID]; dup {
		return true
	}
	r.bySession[sessionID][shipmentID] = struct{}{}

	if r.byShipment[shipmentID] == nil {
		r.byShipment[shipmentID] = make(map[string]Session)
	}
	r.byShipment[shipmentID][sessionID] = s
	metrics.ActiveSubscriptions.Inc()
	return true
}

// Unsubscribe drops a session's interest in a shipment. A no-op when the
// subscription does not exist.
func (r *Registry) Unsubscribe(sessionID, shipmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[sessionID][shipmentID]; !ok {
		return
	}
	delete(r.bySession[sessionID], shipmentID)
	r.removeSubscription(shipmentID, sessionID)
}

// removeSubscription drops the shipment-side index entry and decrements the
// gauge. Caller holds r.mu.
func (r *Registry) removeSubscription(shipmentID, sessionID string) {
	subs, ok := r.byShipment[shipmentID]
	if !ok {
		return
	}
	if _, ok := subs[sessionID]; !ok {
		return
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(r.byShipment, shipmentID)
	}
	metrics.ActiveSubscriptions.Dec()
}

// IsSubscribed reports whether the session currently holds a subscription to
// the shipment.
func (r *Registry) IsSubscribed(sessionID, shipmentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySession[sessionID][shipmentID]
	return ok
}

// SessionsFor returns the sessions subscribed to a shipment, ordered by
// session ID so a given event always fans out in a stable order. Returns nil
// when nobody is subscribed.
func (r *Registry) SessionsFor(shipmentID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byShipment[shipmentID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]Session, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// AllSessions returns every registered session, ordered by session ID. Used
// for emergency broadcast fan-out.
func (r *Registry) AllSessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sessions) == 0 {
		return nil
	}
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// Subscriptions returns the shipment IDs a session is subscribed to, sorted.
func (r *Registry) Subscriptions(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shipments := r.bySession[sessionID]
	if len(shipments) == 0 {
		return nil
	}
	out := make([]string, 0, len(shipments))
	for id := range shipments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SessionCount returns the number of registered sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SubscriberCount returns the number of sessions subscribed to a shipment.
func (r *Registry) SubscriberCount(shipmentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byShipment[shipmentID])
}

func sortSessions(ss []Session) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].ID() < ss[j].ID() })
}
