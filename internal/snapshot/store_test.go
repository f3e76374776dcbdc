// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustApply(t *testing.T, s *Store, evt *events.Event) {
	t.Helper()
	if err := s.ApplyEvent(context.Background(), evt); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
}

func updateEvent(t *testing.T, shipmentID, status string, ts time.Time) *events.Event {
	t.Helper()
	evt, err := events.New(events.TypeShipmentUpdate, shipmentID, ts, events.ShipmentUpdate{
		ShipmentID:    shipmentID,
		CurrentStatus: status,
		Timestamp:     ts,
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	return evt
}

func TestShipmentUnknown(t *testing.T) {
	s := openTestStore(t)
	record, err := s.Shipment(context.Background(), "SHP-9999")
	if err != nil {
		t.Fatalf("Shipment: %v", err)
	}
	if record != nil {
		t.Errorf("Shipment = %+v, want nil for unknown ID", record)
	}
}

func TestApplyEventCreatesAndUpdates(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mustApply(t, s, updateEvent(t, "SHP-1001", "Dispatched", base))
	mustApply(t, s, updateEvent(t, "SHP-1001", "In Transit", base.Add(time.Hour)))

	record, err := s.Shipment(context.Background(), "SHP-1001")
	if err != nil {
		t.Fatalf("Shipment: %v", err)
	}
	if record == nil {
		t.Fatal("shipment not created")
	}
	if record.Status != "In Transit" {
		t.Errorf("Status = %q, want In Transit", record.Status)
	}
	if !record.LastUpdated.Equal(base.Add(time.Hour)) {
		t.Errorf("LastUpdated = %v, want %v", record.LastUpdated, base.Add(time.Hour))
	}
}

func TestApplyEventLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mustApply(t, s, updateEvent(t, "SHP-1001", "In Transit", base.Add(time.Hour)))
	// A late-arriving older event must not move the shipment backwards.
	mustApply(t, s, updateEvent(t, "SHP-1001", "Dispatched", base))

	record, _ := s.Shipment(context.Background(), "SHP-1001")
	if record.Status != "In Transit" {
		t.Errorf("Status = %q after stale event, want In Transit", record.Status)
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	evt := updateEvent(t, "SHP-1001", "Delayed", ts)

	mustApply(t, s, evt)
	mustApply(t, s, evt)

	record, _ := s.Shipment(context.Background(), "SHP-1001")
	if record.Status != "Delayed" {
		t.Errorf("Status = %q, want Delayed", record.Status)
	}
	// Duplicate delivery of the same event produces one history row, not two.
	history, err := s.History(context.Background(), "SHP-1001", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history has %d entries after duplicate apply, want 1", len(history))
	}
}

func TestLocationUpdateSkipsHistory(t *testing.T) {
	s := openTestStore(t)
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mustApply(t, s, updateEvent(t, "SHP-1001", "In Transit", ts))

	loc, err := events.New(events.TypeLocationUpdate, "SHP-1001", ts.Add(time.Minute), events.LocationUpdate{
		ShipmentID: "SHP-1001",
		Location:   events.Location{Lat: 51.5, Lng: -0.12},
		Timestamp:  ts.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	mustApply(t, s, loc)

	record, _ := s.Shipment(context.Background(), "SHP-1001")
	if record.Location == nil || record.Location.Lat != 51.5 {
		t.Errorf("Location = %+v, want lat 51.5", record.Location)
	}

	history, _ := s.History(context.Background(), "SHP-1001", 0)
	if len(history) != 1 {
		t.Errorf("history has %d entries, want 1 (location pings excluded)", len(history))
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	statuses := []string{"Dispatched", "At pickup site", "In Transit"}
	for i, status := range statuses {
		mustApply(t, s, updateEvent(t, "SHP-1001", status, base.Add(time.Duration(i)*time.Hour)))
	}

	history, err := s.History(context.Background(), "SHP-1001", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d entries, want 3", len(history))
	}
	want := []string{"In Transit", "At pickup site", "Dispatched"}
	for i, entry := range history {
		if entry.Status != want[i] {
			t.Errorf("history[%d].Status = %q, want %q", i, entry.Status, want[i])
		}
	}

	limited, _ := s.History(context.Background(), "SHP-1001", 2)
	if len(limited) != 2 {
		t.Errorf("limited history has %d entries, want 2", len(limited))
	}
}

func TestListFilterAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	records := []models.ShipmentRecord{
		{ID: "SHP-1001", Status: "In Transit", CarrierID: "carrier-a", LastUpdated: ts},
		{ID: "SHP-1002", Status: "Delayed", CarrierID: "carrier-a", LastUpdated: ts},
		{ID: "SHP-1003", Status: "In Transit", CarrierID: "carrier-b", LastUpdated: ts},
	}
	for i := range records {
		if err := s.Put(ctx, &records[i]); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	resp, err := s.List(ctx, ListFilter{Status: "In Transit"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Shipments) != 2 {
		t.Errorf("filtered list has %d shipments, want 2", len(resp.Shipments))
	}

	resp, err = s.List(ctx, ListFilter{CarrierID: "carrier-b"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Shipments) != 1 || resp.Shipments[0].ID != "SHP-1003" {
		t.Errorf("carrier filter returned %+v, want SHP-1003", resp.Shipments)
	}

	resp, err = s.List(ctx, ListFilter{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resp.Shipments) != 1 {
		t.Errorf("page 2 has %d shipments, want 1", len(resp.Shipments))
	}
	if !resp.Pagination.HasPrev || resp.Pagination.HasNext {
		t.Errorf("pagination = %+v, want HasPrev && !HasNext", resp.Pagination)
	}
	if resp.Pagination.Total != 3 || resp.Pagination.Pages != 2 {
		t.Errorf("pagination totals = %+v, want Total 3 Pages 2", resp.Pagination)
	}
}

func TestKPIs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	records := []models.ShipmentRecord{
		{ID: "SHP-1001", Status: events.StatusInTransit, LastUpdated: now},
		{ID: "SHP-1002", Status: events.StatusInTransit, LastUpdated: now},
		{ID: "SHP-1003", Status: events.StatusDelayed, LastUpdated: now},
		{ID: "SHP-1004", Status: events.StatusDelivered, LastUpdated: now.Add(-time.Hour)},
		{ID: "SHP-1005", Status: events.StatusDelivered, LastUpdated: now.Add(-48 * time.Hour)},
	}
	for i := range records {
		if err := s.Put(ctx, &records[i]); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	kpi, err := s.KPIs(ctx, now)
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if kpi.TotalShipments != 5 {
		t.Errorf("TotalShipments = %d, want 5", kpi.TotalShipments)
	}
	if kpi.InTransit != 2 {
		t.Errorf("InTransit = %d, want 2", kpi.InTransit)
	}
	if kpi.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", kpi.Delayed)
	}
	if kpi.DeliveredToday != 1 {
		t.Errorf("DeliveredToday = %d, want 1", kpi.DeliveredToday)
	}
	if kpi.OnTimePercentage != 80.0 {
		t.Errorf("OnTimePercentage = %v, want 80.0", kpi.OnTimePercentage)
	}
	if kpi.StatusBreakdown[events.StatusInTransit] != 2 {
		t.Errorf("StatusBreakdown = %v", kpi.StatusBreakdown)
	}
}

func TestKPIsEmptyStore(t *testing.T) {
	s := openTestStore(t)
	kpi, err := s.KPIs(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if kpi.TotalShipments != 0 || kpi.OnTimePercentage != 0 {
		t.Errorf("empty KPIs = %+v", kpi)
	}
	if kpi.StatusBreakdown == nil {
		t.Error("StatusBreakdown is nil, want empty map")
	}
}

func TestListSearchFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	records := []models.ShipmentRecord{
		{ID: "SHP-2001", Name: "Turbine Blades North", ProjectReference: "PRJ-ALPHA-01", Status: "In Transit", LastUpdated: ts},
		{ID: "SHP-2002", Name: "Nacelle Sections", ProjectReference: "PRJ-ALPHA-02", Status: "In Transit", LastUpdated: ts},
		{ID: "SHP-2003", Name: "Tower Segments", ProjectReference: "PRJ-BETA-01", Status: "Delayed", LastUpdated: ts},
	}
	for i := range records {
		if err := s.Put(ctx, &records[i]); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"name substring", ListFilter{Search: "blades"}, []string{"SHP-2001"}},
		{"case insensitive", ListFilter{Search: "NACELLE"}, []string{"SHP-2002"}},
		{"project reference", ListFilter{Search: "prj-alpha"}, []string{"SHP-2001", "SHP-2002"}},
		{"whitespace trimmed", ListFilter{Search: "  beta  "}, []string{"SHP-2003"}},
		{"no match", ListFilter{Search: "gearbox"}, nil},
		{"combined with status", ListFilter{Search: "prj-alpha", Status: "In Transit"}, []string{"SHP-2001", "SHP-2002"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var got []string
			for _, rec := range resp.Shipments {
				got = append(got, rec.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List returned %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("List returned %v, want %v", got, tt.want)
				}
			}
		})
	}
}
