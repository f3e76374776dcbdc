// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mfaulds/waypost/internal/bus"
	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/registry"
)

type fakeSession struct {
	mu     sync.Mutex
	id     string
	sent   []events.Envelope
	refuse bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(env events.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeSession) frames() []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDropper struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeDropper) Drop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
}

func newEvent(t *testing.T, eventType, shipmentID string) *events.Event {
	t.Helper()
	var payload any
	switch eventType {
	case events.TypeEmergencyAlert:
		payload = events.EmergencyAlert{
			ShipmentID:   shipmentID,
			AlertMessage: "brake failure",
			Severity:     "critical",
			Timestamp:    time.Now(),
		}
	default:
		payload = events.ShipmentUpdate{
			ShipmentID:    shipmentID,
			CurrentStatus: "In Transit",
			Timestamp:     time.Now(),
		}
	}
	evt, err := events.New(eventType, shipmentID, time.Now(), payload)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return evt
}

func TestDispatchToSubscribersOnly(t *testing.T) {
	reg := registry.New()
	subscribed := &fakeSession{id: "sess-a"}
	other := &fakeSession{id: "sess-b"}
	reg.Register(subscribed)
	reg.Register(other)
	reg.Subscribe("sess-a", "SHP-1001")
	reg.Subscribe("sess-b", "SHP-2002")

	d := New(nil, reg, nil, nil)
	d.Dispatch(newEvent(t, events.TypeShipmentUpdate, "SHP-1001"))

	if got := len(subscribed.frames()); got != 1 {
		t.Errorf("subscribed session got %d frames, want 1", got)
	}
	if got := len(other.frames()); got != 0 {
		t.Errorf("unrelated session got %d frames, want 0", got)
	}
}

func TestDispatchEmergencyBroadcasts(t *testing.T) {
	reg := registry.New()
	s1 := &fakeSession{id: "sess-a"}
	s2 := &fakeSession{id: "sess-b"}
	reg.Register(s1)
	reg.Register(s2)
	// Nobody is subscribed to the alerting shipment.

	d := New(nil, reg, nil, nil)
	d.Dispatch(newEvent(t, events.TypeEmergencyAlert, "SHP-1001"))

	for _, s := range []*fakeSession{s1, s2} {
		frames := s.frames()
		if len(frames) != 1 {
			t.Fatalf("session %s got %d frames, want 1", s.id, len(frames))
		}
		if frames[0].Type != events.TypeEmergencyAlert {
			t.Errorf("session %s frame type = %q, want emergency_alert", s.id, frames[0].Type)
		}
	}
}

func TestDispatchNoSubscribersIsNoOp(t *testing.T) {
	reg := registry.New()
	d := New(nil, reg, nil, nil)
	// Must not panic or block with an empty registry.
	d.Dispatch(newEvent(t, events.TypeShipmentUpdate, "SHP-9999"))
}

func TestDispatchEvictsSlowSession(t *testing.T) {
	reg := registry.New()
	slow := &fakeSession{id: "sess-slow", refuse: true}
	healthy := &fakeSession{id: "sess-ok"}
	reg.Register(slow)
	reg.Register(healthy)
	reg.Subscribe("sess-slow", "SHP-1001")
	reg.Subscribe("sess-ok", "SHP-1001")

	dropper := &fakeDropper{}
	d := New(nil, reg, dropper, nil)
	d.Dispatch(newEvent(t, events.TypeShipmentUpdate, "SHP-1001"))

	dropper.mu.Lock()
	defer dropper.mu.Unlock()
	if len(dropper.dropped) != 1 || dropper.dropped[0] != "sess-slow" {
		t.Errorf("dropped = %v, want [sess-slow]", dropper.dropped)
	}
	if got := len(healthy.frames()); got != 1 {
		t.Errorf("healthy session got %d frames, want 1", got)
	}
}

func TestRunConsumesBusInOrder(t *testing.T) {
	reg := registry.New()
	s := &fakeSession{id: "sess-a"}
	reg.Register(s)
	reg.Subscribe("sess-a", "SHP-1001")

	b := bus.New(bus.Config{BufferSize: 16}, nil)
	defer b.Close()

	d := New(b, reg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	const n = 5
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, newEvent(t, events.TypeShipmentUpdate, "SHP-1001")); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.frames()) < n {
		time.Sleep(10 * time.Millisecond)
	}
	frames := s.frames()
	if len(frames) != n {
		t.Fatalf("session got %d frames, want %d", len(frames), n)
	}
	for i, f := range frames {
		if f.Type != events.TypeShipmentUpdate {
			t.Errorf("frame %d type = %q, want shipment_update", i, f.Type)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []*events.Event
	err     error
}

func (f *fakeApplier) ApplyEvent(_ context.Context, evt *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, evt)
	return f.err
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func TestRunAppliesBeforeDispatch(t *testing.T) {
	reg := registry.New()
	s := &fakeSession{id: "sess-a"}
	reg.Register(s)
	reg.Subscribe("sess-a", "SHP-1001")

	b := bus.New(bus.Config{BufferSize: 16}, nil)
	defer b.Close()

	applier := &fakeApplier{}
	d := New(b, reg, nil, applier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	if err := b.Publish(ctx, newEvent(t, events.TypeShipmentUpdate, "SHP-1001")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.frames()) < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(s.frames()) != 1 {
		t.Fatal("session never received the event")
	}
	if applier.count() != 1 {
		t.Errorf("applier saw %d events, want 1", applier.count())
	}
}

func TestRunApplyErrorStillDispatches(t *testing.T) {
	reg := registry.New()
	s := &fakeSession{id: "sess-a"}
	reg.Register(s)
	reg.Subscribe("sess-a", "SHP-1001")

	b := bus.New(bus.Config{BufferSize: 16}, nil)
	defer b.Close()

	applier := &fakeApplier{err: context.DeadlineExceeded}
	d := New(b, reg, nil, applier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	if err := b.Publish(ctx, newEvent(t, events.TypeShipmentUpdate, "SHP-1001")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.frames()) < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(s.frames()) != 1 {
		t.Error("apply failure must not block delivery")
	}
}

func TestLocationUpdatesRateLimitedPerSession(t *testing.T) {
	reg := registry.New()
	limited := &fakeSession{id: "s-limited"}
	reg.Register(limited)
	reg.Subscribe(limited.ID(), "SHP-1")

	d := New(nil, reg, nil, nil)
	for i := 0; i < locationBurst+10; i++ {
		d.Dispatch(newEvent(t, events.TypeLocationUpdate, "SHP-1"))
	}

	got := len(limited.frames())
	if got > locationBurst+1 {
		t.Errorf("delivered %d location updates, want at most burst %d", got, locationBurst)
	}
	if got < locationBurst {
		t.Errorf("delivered %d location updates, want at least burst %d", got, locationBurst)
	}

	// Status updates must never be throttled.
	for i := 0; i < locationBurst+10; i++ {
		d.Dispatch(newEvent(t, events.TypeShipmentUpdate, "SHP-1"))
	}
	want := got + locationBurst + 10
	if n := len(limited.frames()); n != want {
		t.Errorf("frames = %d, want %d (shipment updates unthrottled)", n, want)
	}
}

func TestLimiterPruneDropsStaleSessions(t *testing.T) {
	reg := registry.New()
	s := &fakeSession{id: "s-gone"}
	reg.Register(s)
	reg.Subscribe(s.ID(), "SHP-1")

	d := New(nil, reg, nil, nil)
	d.Dispatch(newEvent(t, events.TypeLocationUpdate, "SHP-1"))
	if _, ok := d.locLimits["s-gone"]; !ok {
		t.Fatal("expected limiter entry for active session")
	}

	reg.Deregister(s.ID())
	d.pruneLimiters()
	if _, ok := d.locLimits["s-gone"]; ok {
		t.Error("limiter entry survived prune after deregister")
	}
}
