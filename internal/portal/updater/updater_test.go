// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package updater

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/mfaulds/waypost/internal/models"
	"github.com/mfaulds/waypost/internal/portal/reconcile"
	"github.com/mfaulds/waypost/internal/portal/selection"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Enqueue(message, severity string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return "n-1"
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out
}

func writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.APIResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.APIResponse{
		Status: "error",
		Error:  &models.APIError{Code: "test", Message: message},
	})
}

func snapshotHandler(shipments []models.ShipmentRecord) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, models.ShipmentListResponse{
			Shipments:  shipments,
			Pagination: models.Pagination{Page: 1, PerPage: 500, Total: len(shipments), Pages: 1},
		})
	}
}

func TestUpdateStatusSuccessTriggersResync(t *testing.T) {
	var mu sync.Mutex
	updates := 0
	resyncs := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/SHP-1001/update-status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		updates++
		mu.Unlock()
		writeSuccess(w, models.UpdateStatusResponse{Success: true})
	})
	mux.HandleFunc("/api/v1/shipments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resyncs++
		mu.Unlock()
		snapshotHandler([]models.ShipmentRecord{
			{ID: "SHP-1001", Status: "In Transit", LastUpdated: time.Now()},
		})(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	u := New(Config{BaseURL: srv.URL}, rec, nil, nil)

	err := u.UpdateStatus(context.Background(), "SHP-1001", models.UpdateStatusRequest{Status: "In Transit"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if updates != 1 || resyncs != 1 {
		t.Errorf("updates = %d, resyncs = %d; want 1 each", updates, resyncs)
	}
	if row, ok := rec.Row("SHP-1001"); !ok || row.Status != "In Transit" {
		t.Errorf("local state after resync = %+v", row)
	}
}

func TestUpdateStatusFailureNotifiesWithoutRefresh(t *testing.T) {
	var mu sync.Mutex
	resyncs := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/SHP-1001/update-status", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "\"Teleported\" is not a valid shipment status")
	})
	mux.HandleFunc("/api/v1/shipments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resyncs++
		mu.Unlock()
		snapshotHandler(nil)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	notifier := &fakeNotifier{}
	u := New(Config{BaseURL: srv.URL}, rec, nil, notifier)

	err := u.UpdateStatus(context.Background(), "SHP-1001", models.UpdateStatusRequest{Status: "Teleported"})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}

	mu.Lock()
	if resyncs != 0 {
		t.Error("failed update triggered a refresh")
	}
	mu.Unlock()

	msgs := notifier.all()
	if len(msgs) != 1 || msgs[0] != "\"Teleported\" is not a valid shipment status" {
		t.Errorf("notifications = %v, want the server message", msgs)
	}
}

func TestEditInFlightGuard(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/SHP-1001/update-status", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeSuccess(w, models.UpdateStatusResponse{Success: true})
	})
	mux.HandleFunc("/api/v1/shipments", snapshotHandler(nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	u := New(Config{BaseURL: srv.URL}, rec, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- u.UpdateStatus(context.Background(), "SHP-1001", models.UpdateStatusRequest{Status: "In Transit"})
	}()

	// Wait for the first request to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rec.TryBeginLocalEdit("SHP-1001") {
		rec.ResolveLocalEdit("SHP-1001")
		time.Sleep(5 * time.Millisecond)
	}

	if err := u.UpdateStatus(context.Background(), "SHP-1001", models.UpdateStatusRequest{Status: "Delayed"}); !errors.Is(err, ErrEditInFlight) {
		t.Errorf("second update = %v, want ErrEditInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/alerts/emergency", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, "")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	notifier := &fakeNotifier{}
	u := New(Config{BaseURL: srv.URL, BreakerConsecutiveFailures: 2, BreakerCooldown: time.Hour}, rec, nil, notifier)

	req := models.EmergencyAlertRequest{ShipmentID: "SHP-1001", Message: "test"}
	for i := 0; i < 2; i++ {
		if err := u.RaiseEmergency(context.Background(), req); err == nil {
			t.Fatalf("request %d unexpectedly succeeded", i)
		}
	}

	err := u.RaiseEmergency(context.Background(), req)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want breaker open", err)
	}
}

func TestResyncPrunesSelection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments", snapshotHandler([]models.ShipmentRecord{
		{ID: "B", Status: "In Transit", LastUpdated: time.Now()},
		{ID: "C", Status: "Delayed", LastUpdated: time.Now()},
		{ID: "D", Status: "Dispatched", LastUpdated: time.Now()},
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	sel := selection.New([]string{"A", "B", "C"})
	sel.Toggle("A")
	sel.Toggle("B")
	sel.Toggle("C")

	u := New(Config{BaseURL: srv.URL}, rec, sel, nil)
	if err := u.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	got := sel.Selected()
	if len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Errorf("selection after resync = %v, want [B C]", got)
	}
}

func TestBulkUpdateStatusSendsSelectedIDs(t *testing.T) {
	var mu sync.Mutex
	var captured models.BulkStatusUpdateRequest
	resyncs := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/bulk-status-update", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&captured)
		mu.Unlock()
		results := make([]models.BulkStatusUpdateResult, 0, len(captured.Updates))
		for _, item := range captured.Updates {
			results = append(results, models.BulkStatusUpdateResult{
				ShipmentID: item.ShipmentID, Success: true, Status: item.Status,
			})
		}
		writeSuccess(w, models.BulkStatusUpdateResponse{
			TotalUpdates: len(results),
			Successful:   len(results),
			Results:      results,
		})
	})
	mux.HandleFunc("/api/v1/shipments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resyncs++
		mu.Unlock()
		snapshotHandler([]models.ShipmentRecord{
			{ID: "SHP-A", Status: "Delayed", LastUpdated: time.Now()},
			{ID: "SHP-B", Status: "Delayed", LastUpdated: time.Now()},
			{ID: "SHP-C", Status: "Pending", LastUpdated: time.Now()},
		})(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	sel := selection.New([]string{"SHP-A", "SHP-B", "SHP-C"})
	sel.Toggle("SHP-A")
	sel.Toggle("SHP-B")

	u := New(Config{BaseURL: srv.URL}, rec, sel, nil)
	resp, err := u.BulkUpdateStatus(context.Background(), "Delayed", "weather hold")
	if err != nil {
		t.Fatalf("BulkUpdateStatus: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured.Updates) != 2 {
		t.Fatalf("request carried %d updates, want 2: %+v", len(captured.Updates), captured.Updates)
	}
	got := map[string]bool{}
	for _, item := range captured.Updates {
		got[item.ShipmentID] = true
		if item.Status != "Delayed" || item.Notes != "weather hold" {
			t.Errorf("item %s = %+v, want Delayed / weather hold", item.ShipmentID, item)
		}
	}
	if !got["SHP-A"] || !got["SHP-B"] || got["SHP-C"] {
		t.Errorf("updates sent for %v, want exactly the selected SHP-A and SHP-B", captured.Updates)
	}
	if resp.Successful != 2 || resp.Failed != 0 {
		t.Errorf("response = %+v", resp)
	}
	if resyncs != 1 {
		t.Errorf("resyncs = %d, want 1 after a successful batch", resyncs)
	}
}

func TestBulkUpdateStatusEmptySelection(t *testing.T) {
	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	u := New(Config{BaseURL: "http://unused"}, rec, selection.New([]string{"SHP-A"}), nil)

	if _, err := u.BulkUpdateStatus(context.Background(), "Delayed", ""); !errors.Is(err, ErrNothingSelected) {
		t.Errorf("err = %v, want ErrNothingSelected", err)
	}
}

func TestBulkUpdateStatusSkipsInFlightEdits(t *testing.T) {
	var mu sync.Mutex
	var captured models.BulkStatusUpdateRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/bulk-status-update", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&captured)
		mu.Unlock()
		writeSuccess(w, models.BulkStatusUpdateResponse{TotalUpdates: 1, Successful: 1})
	})
	mux.HandleFunc("/api/v1/shipments", snapshotHandler(nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	sel := selection.New([]string{"SHP-A", "SHP-B"})
	sel.Toggle("SHP-A")
	sel.Toggle("SHP-B")

	// SHP-A already has an edit awaiting its response.
	if !rec.TryBeginLocalEdit("SHP-A") {
		t.Fatal("could not arm the in-flight guard")
	}
	defer rec.ResolveLocalEdit("SHP-A")

	u := New(Config{BaseURL: srv.URL}, rec, sel, nil)
	if _, err := u.BulkUpdateStatus(context.Background(), "Delayed", ""); err != nil {
		t.Fatalf("BulkUpdateStatus: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured.Updates) != 1 || captured.Updates[0].ShipmentID != "SHP-B" {
		t.Errorf("updates = %+v, want only SHP-B", captured.Updates)
	}
}

func TestBulkUpdateStatusPartialFailureNotifies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/shipments/bulk-status-update", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, models.BulkStatusUpdateResponse{
			TotalUpdates: 2,
			Successful:   1,
			Failed:       1,
			Results: []models.BulkStatusUpdateResult{
				{ShipmentID: "SHP-A", Success: true, Status: "Delayed"},
				{ShipmentID: "SHP-B", Success: false, Error: "shipment not found"},
			},
		})
	})
	mux.HandleFunc("/api/v1/shipments", snapshotHandler(nil))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	sel := selection.New([]string{"SHP-A", "SHP-B"})
	sel.Toggle("SHP-A")
	sel.Toggle("SHP-B")
	notifier := &fakeNotifier{}

	u := New(Config{BaseURL: srv.URL}, rec, sel, notifier)
	resp, err := u.BulkUpdateStatus(context.Background(), "Delayed", "")
	if err != nil {
		t.Fatalf("BulkUpdateStatus: %v", err)
	}
	if resp.Failed != 1 {
		t.Errorf("resp = %+v", resp)
	}

	msgs := notifier.all()
	if len(msgs) != 1 || msgs[0] != "1 of 2 updates failed" {
		t.Errorf("notifications = %v, want the failure summary", msgs)
	}
}

func TestKPIs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/kpis", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, models.KPISnapshot{
			TotalShipments:   5,
			InTransit:        2,
			OnTimePercentage: 80,
			StatusBreakdown:  map[string]int{"In Transit": 2},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := reconcile.New(reconcile.Config{}, reconcile.Hooks{})
	u := New(Config{BaseURL: srv.URL}, rec, nil, nil)

	kpis, err := u.KPIs(context.Background())
	if err != nil {
		t.Fatalf("KPIs: %v", err)
	}
	if kpis.TotalShipments != 5 || kpis.InTransit != 2 || kpis.OnTimePercentage != 80 {
		t.Errorf("kpis = %+v", kpis)
	}
}
