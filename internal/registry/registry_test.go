// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package registry

import (
	"testing"

	"github.com/mfaulds/waypost/internal/events"
)

type fakeSession struct {
	id   string
	sent []events.Envelope
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(env events.Envelope) bool {
	f.sent = append(f.sent, env)
	return true
}

func TestSubscribeUnsubscribe(t *testing.T) {
	r := New()
	s := &fakeSession{id: "sess-1"}
	r.Register(s)

	if !r.Subscribe("sess-1", "SHP-1001") {
		t.Fatal("Subscribe returned false for registered session")
	}
	if !r.IsSubscribed("sess-1", "SHP-1001") {
		t.Error("IsSubscribed = false after Subscribe")
	}

	// Duplicate subscribe is a no-op, not an accumulation.
	r.Subscribe("sess-1", "SHP-1001")
	if got := r.SubscriberCount("SHP-1001"); got != 1 {
		t.Errorf("SubscriberCount = %d after duplicate subscribe, want 1", got)
	}

	r.Unsubscribe("sess-1", "SHP-1001")
	if r.IsSubscribed("sess-1", "SHP-1001") {
		t.Error("IsSubscribed = true after Unsubscribe")
	}
	if got := r.SubscriberCount("SHP-1001"); got != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe, want 0", got)
	}

	// Unsubscribing again must not panic or go negative.
	r.Unsubscribe("sess-1", "SHP-1001")
}

func TestSubscribeUnknownSession(t *testing.T) {
	r := New()
	if r.Subscribe("ghost", "SHP-1001") {
		t.Error("Subscribe returned true for unregistered session")
	}
	if got := r.SubscriberCount("SHP-1001"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestDeregisterPrunesAllSubscriptions(t *testing.T) {
	r := New()
	s1 := &fakeSession{id: "sess-1"}
	s2 := &fakeSession{id: "sess-2"}
	r.Register(s1)
	r.Register(s2)

	for _, shipment := range []string{"SHP-1001", "SHP-1002", "SHP-1003"} {
		r.Subscribe("sess-1", shipment)
	}
	r.Subscribe("sess-2", "SHP-1001")

	r.Deregister("sess-1")

	if got := r.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
	if got := len(r.Subscriptions("sess-1")); got != 0 {
		t.Errorf("sess-1 still holds %d subscriptions after deregister", got)
	}
	// The other session's subscription survives untouched.
	if !r.IsSubscribed("sess-2", "SHP-1001") {
		t.Error("sess-2 subscription lost during sess-1 deregister")
	}
	if got := r.SubscriberCount("SHP-1001"); got != 1 {
		t.Errorf("SubscriberCount(SHP-1001) = %d, want 1", got)
	}

	// Deregistering an unknown session is a no-op.
	r.Deregister("ghost")
}

func TestSessionsForStableOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"sess-c", "sess-a", "sess-b"} {
		r.Register(&fakeSession{id: id})
		r.Subscribe(id, "SHP-1001")
	}

	got := r.SessionsFor("SHP-1001")
	want := []string{"sess-a", "sess-b", "sess-c"}
	if len(got) != len(want) {
		t.Fatalf("SessionsFor returned %d sessions, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.ID() != want[i] {
			t.Errorf("SessionsFor[%d] = %q, want %q", i, s.ID(), want[i])
		}
	}
}

func TestSessionsForNoSubscribers(t *testing.T) {
	r := New()
	r.Register(&fakeSession{id: "sess-1"})

	if got := r.SessionsFor("SHP-9999"); got != nil {
		t.Errorf("SessionsFor with no subscribers = %v, want nil", got)
	}
}

func TestAllSessionsIncludesUnsubscribed(t *testing.T) {
	r := New()
	r.Register(&fakeSession{id: "sess-1"})
	r.Register(&fakeSession{id: "sess-2"})
	r.Subscribe("sess-1", "SHP-1001")

	got := r.AllSessions()
	if len(got) != 2 {
		t.Fatalf("AllSessions returned %d sessions, want 2", len(got))
	}
	if got[0].ID() != "sess-1" || got[1].ID() != "sess-2" {
		t.Errorf("AllSessions order = [%s %s], want [sess-1 sess-2]", got[0].ID(), got[1].ID())
	}
}

func TestRegisterReplacesSession(t *testing.T) {
	r := New()
	old := &fakeSession{id: "sess-1"}
	r.Register(old)
	r.Subscribe("sess-1", "SHP-1001")

	replacement := &fakeSession{id: "sess-1"}
	r.Register(replacement)

	// Re-registering keeps the session's existing subscriptions but routes
	// future sends to the new connection.
	sessions := r.SessionsFor("SHP-1001")
	if len(sessions) != 1 {
		t.Fatalf("SessionsFor returned %d sessions, want 1", len(sessions))
	}
}
