// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package updater is the portal's request/response side: bulk status
// updates over HTTP and read-model resyncs. Updates run behind a circuit
// breaker so a struggling server degrades to fast failures instead of a wall
// of hung requests, and behind the reconciler's edit-in-flight guard so a
// remote event never flickers over a value the operator just submitted.
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/models"
	"github.com/mfaulds/waypost/internal/portal/reconcile"
	"github.com/mfaulds/waypost/internal/portal/selection"
)

// ErrEditInFlight is returned when a status update for the same shipment is
// already awaiting its response.
var ErrEditInFlight = errors.New("status update already in flight for this shipment")

// ErrNothingSelected is returned by BulkUpdateStatus when the selection set
// is empty.
var ErrNothingSelected = errors.New("no shipments selected")

// RequestError is a failed bulk-update or fetch, carrying the server's
// message when one was provided.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Notifier is the slice of the notification queue the updater needs.
type Notifier interface {
	Enqueue(message, severity string) string
}

// Config controls the updater.
type Config struct {
	// BaseURL is the portal API root, e.g. http://localhost:8094.
	BaseURL string

	// Token is the bearer token for API calls. Optional in development.
	Token string

	// Timeout bounds each HTTP request. Default 10s.
	Timeout time.Duration

	// BreakerConsecutiveFailures opens the circuit after this many
	// consecutive failures. Default 3.
	BreakerConsecutiveFailures uint32

	// BreakerCooldown is how long the circuit stays open. Default 15s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerConsecutiveFailures == 0 {
		c.BreakerConsecutiveFailures = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 15 * time.Second
	}
	return c
}

// apiEnvelope mirrors the server's response wrapper with a raw Data field.
type apiEnvelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data,omitempty"`
	Error  *models.APIError `json:"error,omitempty"`
}

// Updater issues status updates and resyncs the local view state.
type Updater struct {
	cfg     Config
	client  *http.Client
	rec     *reconcile.Reconciler
	sel     *selection.Set
	notify  Notifier
	breaker *gobreaker.CircuitBreaker[*apiEnvelope]
}

// New creates an updater bound to a reconciler, a selection set and a
// notifier. sel and notify may be nil.
func New(cfg Config, rec *reconcile.Reconciler, sel *selection.Set, notify Notifier) *Updater {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker[*apiEnvelope](gobreaker.Settings{
		Name:    "portal-updater",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return &Updater{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		rec:     rec,
		sel:     sel,
		notify:  notify,
		breaker: breaker,
	}
}

// UpdateStatus submits a status change for one shipment. The reconciler's
// local-edit guard is set before the request goes out and cleared after the
// response resolves, success or failure. A success triggers a resync; a
// failure surfaces a notification and deliberately does not refresh.
func (u *Updater) UpdateStatus(ctx context.Context, shipmentID string, req models.UpdateStatusRequest) error {
	if shipmentID == "" {
		return errors.New("shipment id required")
	}
	if !u.rec.TryBeginLocalEdit(shipmentID) {
		return ErrEditInFlight
	}
	defer u.rec.ResolveLocalEdit(shipmentID)

	_, err := u.breaker.Execute(func() (*apiEnvelope, error) {
		return u.post(ctx, "/api/v1/shipments/"+shipmentID+"/update-status", req)
	})
	if err != nil {
		u.surface(err)
		return err
	}

	if err := u.Resync(ctx); err != nil {
		logging.Warn().Err(err).Msg("Post-update resync failed")
	}
	return nil
}

// BulkUpdateStatus submits one status change for every selected shipment in
// a single request: the bulk-action path from the selection set to the
// business layer. Shipments with an edit already in flight are skipped; the
// rest go out under the same local-edit guard as single updates. Per-item
// failures come back in the response and surface as one summary
// notification; any success triggers a resync.
func (u *Updater) BulkUpdateStatus(ctx context.Context, status, notes string) (*models.BulkStatusUpdateResponse, error) {
	if u.sel == nil {
		return nil, ErrNothingSelected
	}
	ids := u.sel.Selected()
	if len(ids) == 0 {
		return nil, ErrNothingSelected
	}

	guarded := make([]string, 0, len(ids))
	for _, id := range ids {
		if u.rec.TryBeginLocalEdit(id) {
			guarded = append(guarded, id)
		}
	}
	if len(guarded) == 0 {
		return nil, ErrEditInFlight
	}
	defer func() {
		for _, id := range guarded {
			u.rec.ResolveLocalEdit(id)
		}
	}()

	reqBody := models.BulkStatusUpdateRequest{
		Updates: make([]models.BulkStatusUpdateItem, 0, len(guarded)),
	}
	for _, id := range guarded {
		reqBody.Updates = append(reqBody.Updates, models.BulkStatusUpdateItem{
			ShipmentID: id,
			Status:     status,
			Notes:      notes,
		})
	}

	env, err := u.breaker.Execute(func() (*apiEnvelope, error) {
		return u.post(ctx, "/api/v1/shipments/bulk-status-update", reqBody)
	})
	if err != nil {
		u.surface(err)
		return nil, err
	}

	var resp models.BulkStatusUpdateResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	if resp.Failed > 0 && u.notify != nil {
		u.notify.Enqueue(fmt.Sprintf("%d of %d updates failed", resp.Failed, resp.TotalUpdates), "warning")
	}
	if resp.Successful > 0 {
		if err := u.Resync(ctx); err != nil {
			logging.Warn().Err(err).Msg("Post-bulk-update resync failed")
		}
	}
	return &resp, nil
}

// RaiseEmergency submits an operator-raised emergency alert.
func (u *Updater) RaiseEmergency(ctx context.Context, req models.EmergencyAlertRequest) error {
	_, err := u.breaker.Execute(func() (*apiEnvelope, error) {
		return u.post(ctx, "/api/v1/alerts/emergency", req)
	})
	if err != nil {
		u.surface(err)
	}
	return err
}

// Resync fetches the shipment snapshot and overwrites local state with it,
// then prunes the selection to the rows that survived. This is the
// re-fetch-and-diff replacement for a full page reload: selection, scroll
// and open-modal context all survive.
func (u *Updater) Resync(ctx context.Context) error {
	env, err := u.get(ctx, "/api/v1/shipments?per_page=500")
	if err != nil {
		return err
	}
	var list models.ShipmentListResponse
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return fmt.Errorf("decode shipment list: %w", err)
	}

	u.rec.LoadSnapshot(list.Shipments)
	if u.sel != nil {
		u.sel.Prune(u.rec.ShipmentIDs())
	}
	logging.Debug().Int("shipments", len(list.Shipments)).Msg("Resynced from read model")
	return nil
}

// KPIs fetches the dashboard KPI snapshot.
func (u *Updater) KPIs(ctx context.Context) (*models.KPISnapshot, error) {
	env, err := u.get(ctx, "/api/v1/kpis")
	if err != nil {
		return nil, err
	}
	var kpis models.KPISnapshot
	if err := json.Unmarshal(env.Data, &kpis); err != nil {
		return nil, fmt.Errorf("decode kpis: %w", err)
	}
	return &kpis, nil
}

// History fetches one shipment's tracking history, newest first.
func (u *Updater) History(ctx context.Context, shipmentID string, limit int) ([]models.TrackingEntry, error) {
	path := "/api/v1/shipments/" + shipmentID + "/tracking-history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	env, err := u.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Entries []models.TrackingEntry `json:"entries"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return payload.Entries, nil
}

func (u *Updater) post(ctx context.Context, path string, body any) (*apiEnvelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return u.do(req)
}

func (u *Updater) get(ctx context.Context, path string) (*apiEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return u.do(req)
}

func (u *Updater) do(req *http.Request) (*apiEnvelope, error) {
	if u.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.Token)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &RequestError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 || env.Status == "error" {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			reqErr.Message = env.Error.Message
		}
		return nil, reqErr
	}
	return &env, nil
}

// surface turns a request failure into a notification: the server's message
// when it sent one, a generic fallback otherwise.
func (u *Updater) surface(err error) {
	if u.notify == nil {
		return
	}
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Message != "":
		u.notify.Enqueue(reqErr.Message, "error")
	case errors.Is(err, gobreaker.ErrOpenState):
		u.notify.Enqueue("Server is not responding; update paused", "error")
	default:
		u.notify.Enqueue("Update failed; please try again", "error")
	}
}
