// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package dispatch routes domain events from the bus to subscribed sessions.
// A single consumer goroutine drains the bus in publish order, so every
// session observes events for a given shipment in the order they entered the
// pipeline. Emergency alerts bypass subscription scoping and fan out to all
// connected sessions.
package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mfaulds/waypost/internal/bus"
	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/metrics"
	"github.com/mfaulds/waypost/internal/registry"
)

// SessionDropper evicts sessions that can no longer keep up. The channel hub
// implements this.
type SessionDropper interface {
	Drop(sessionID string)
}

// Applier folds events into the shipment read model. The snapshot store
// implements this; applying before fan-out means a session that asks for a
// shipment's status right after receiving an event sees that event reflected.
type Applier interface {
	ApplyEvent(ctx context.Context, evt *events.Event) error
}

// Location pings are lossy by contract. Each session gets its own token
// bucket so a chatty mobile feed degrades to the freshest positions instead
// of filling session buffers.
const (
	locationRatePerSec = 4
	locationBurst      = 8
	limiterPruneEvery  = 512
)

// Dispatcher consumes the event bus and fans events out to sessions.
type Dispatcher struct {
	bus      *bus.Bus
	registry *registry.Registry
	dropper  SessionDropper
	applier  Applier

	mu         sync.Mutex
	locLimits  map[string]*rate.Limiter
	dispatched int
}

// New creates a dispatcher. dropper may be nil, in which case slow sessions
// are skipped but kept connected; applier may be nil when no read model is
// attached.
func New(b *bus.Bus, reg *registry.Registry, dropper SessionDropper, applier Applier) *Dispatcher {
	return &Dispatcher{
		bus:       b,
		registry:  reg,
		dropper:   dropper,
		applier:   applier,
		locLimits: make(map[string]*rate.Limiter),
	}
}

// Run consumes the bus until ctx is cancelled. Designed for suture
// supervision: it returns ctx.Err() on cancellation and a subscribe error if
// the bus is already closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	ch, err := d.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	logging.Info().Msg("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("component", "dispatcher").Msg("Dispatcher stopped")
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				logging.Info().Str("component", "dispatcher").Msg("Event bus closed, dispatcher stopping")
				return nil
			}
			d.apply(ctx, evt)
			d.Dispatch(evt)
		}
	}
}

// apply folds the event into the read model. Apply errors are logged and the
// event is still dispatched; the store's last-write-wins fold makes a later
// retry or resync safe.
func (d *Dispatcher) apply(ctx context.Context, evt *events.Event) {
	if d.applier == nil {
		return
	}
	if err := d.applier.ApplyEvent(ctx, evt); err != nil {
		logging.Error().Err(err).
			Str("event_type", evt.Type).
			Str("shipment_id", evt.ShipmentID).
			Msg("Failed to apply event to snapshot")
	}
}

// Dispatch delivers one event to its audience. Sessions whose buffers are
// full get evicted rather than stalling the pipeline; the client's reconnect
// logic brings them back with a fresh snapshot.
func (d *Dispatcher) Dispatch(evt *events.Event) {
	var audience []registry.Session
	if evt.IsBroadcast() {
		audience = d.registry.AllSessions()
	} else {
		audience = d.registry.SessionsFor(evt.ShipmentID)
	}
	if len(audience) == 0 {
		metrics.RecordDispatch(evt.Type, 0)
		return
	}

	env := evt.Envelope()
	delivered := 0
	for _, s := range audience {
		if evt.Type == events.TypeLocationUpdate && !d.allowLocation(s.ID()) {
			continue
		}
		if s.Send(env) {
			delivered++
			continue
		}
		metrics.RecordSessionDropped()
		logging.Warn().
			Str("session_id", s.ID()).
			Str("event_type", evt.Type).
			Msg("Session buffer full, evicting")
		if d.dropper != nil {
			d.dropper.Drop(s.ID())
		}
	}

	d.dispatched++
	if d.dispatched%limiterPruneEvery == 0 {
		d.pruneLimiters()
	}

	metrics.RecordDispatch(evt.Type, delivered)
	logging.Debug().
		Str("event_type", evt.Type).
		Str("shipment_id", evt.ShipmentID).
		Int("delivered", delivered).
		Msg("Event dispatched")
}

// allowLocation checks the per-session location budget, creating the limiter
// on first use.
func (d *Dispatcher) allowLocation(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.locLimits[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(locationRatePerSec), locationBurst)
		d.locLimits[sessionID] = lim
	}
	return lim.Allow()
}

// pruneLimiters drops limiters for sessions no longer registered, keeping
// the map bounded across long uptimes.
func (d *Dispatcher) pruneLimiters() {
	live := make(map[string]struct{})
	for _, s := range d.registry.AllSessions() {
		live[s.ID()] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.locLimits {
		if _, ok := live[id]; !ok {
			delete(d.locLimits, id)
		}
	}
}
