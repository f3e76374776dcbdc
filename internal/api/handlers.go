// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mfaulds/waypost/internal/bus"
	"github.com/mfaulds/waypost/internal/channel"
	"github.com/mfaulds/waypost/internal/config"
	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/middleware"
	"github.com/mfaulds/waypost/internal/models"
	"github.com/mfaulds/waypost/internal/snapshot"
)

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	cfg      *config.Config
	store    *snapshot.Store
	bus      *bus.Bus
	hub      *channel.Hub
	validate *validator.Validate
	latency  *middleware.LatencyMonitor
	started  time.Time
}

// NewServer creates the HTTP handler set.
func NewServer(cfg *config.Config, store *snapshot.Store, b *bus.Bus, hub *channel.Hub) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		bus:      b,
		hub:      hub,
		validate: newValidator(),
		latency:  middleware.NewLatencyMonitor(0),
		started:  time.Now(),
	}
}

// handleListShipments serves GET /api/v1/shipments.
func (s *Server) handleListShipments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := snapshot.ListFilter{
		Status:    q.Get("status"),
		CarrierID: q.Get("carrier_id"),
		Search:    q.Get("search"),
		Page:      parseIntParam(q.Get("page"), 1),
		PerPage:   parseIntParam(q.Get("per_page"), 0),
	}
	if filter.Status != "" && !events.IsValidStatus(filter.Status) {
		respondError(w, http.StatusBadRequest, "invalid_status", "unknown shipment status filter")
		return
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list shipments")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list shipments")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// handleGetShipment serves GET /api/v1/shipments/{id}.
func (s *Server) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.store.Shipment(r.Context(), id)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", id).Msg("Failed to load shipment")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load shipment")
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "shipment not found")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// handleTrackingHistory serves GET /api/v1/shipments/{id}/tracking-history,
// newest entries first.
func (s *Server) handleTrackingHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := parseIntParam(r.URL.Query().Get("limit"), 100)

	record, err := s.store.Shipment(r.Context(), id)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", id).Msg("Failed to load shipment")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load shipment")
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "shipment not found")
		return
	}

	history, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", id).Msg("Failed to load tracking history")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load tracking history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"shipment_id": id,
		"entries":     history,
	})
}

// handleUpdateStatus serves POST /api/v1/shipments/{id}/update-status. The
// update is folded into the read model synchronously and published on the
// bus, so the responding operator's own session sees it like any other event.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.UpdateStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return
	}

	record, err := s.store.Shipment(r.Context(), id)
	if err != nil {
		logging.Error().Err(err).Str("shipment_id", id).Msg("Failed to load shipment")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to load shipment")
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "shipment not found")
		return
	}

	if err := s.publishStatusUpdate(r.Context(), models.BulkStatusUpdateItem{
		ShipmentID: id,
		Status:     req.Status,
		Notes:      req.Notes,
		Location:   req.Location,
		DriverInfo: req.DriverInfo,
	}); err != nil {
		logging.Error().Err(err).Str("shipment_id", id).Msg("Failed to apply status update")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to apply status update")
		return
	}

	logging.Info().
		Str("shipment_id", id).
		Str("status", req.Status).
		Str("operator_id", middleware.OperatorFromContext(r.Context())).
		Msg("Shipment status updated")
	respondJSON(w, http.StatusOK, models.UpdateStatusResponse{
		Success: true,
		Message: "status updated",
	})
}

// publishStatusUpdate builds one shipment_update, folds it into the read
// model and publishes it, plus a companion location_update when the item
// carries a position.
//
// Apply-then-publish: the folding is idempotent, so the dispatcher
// re-applying the same event is harmless.
func (s *Server) publishStatusUpdate(ctx context.Context, item models.BulkStatusUpdateItem) error {
	now := time.Now().UTC()
	evt, err := events.New(events.TypeShipmentUpdate, item.ShipmentID, now, events.ShipmentUpdate{
		ShipmentID:    item.ShipmentID,
		CurrentStatus: item.Status,
		Location:      item.Location,
		DriverInfo:    item.DriverInfo,
		Notes:         item.Notes,
		Source:        events.SourceWebPortal,
		Timestamp:     now,
	})
	if err != nil {
		return err
	}
	if err := s.store.ApplyEvent(ctx, evt); err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		return err
	}

	// Map consumers key on location_update; emit one when the operator
	// attached a position to the status change.
	if item.Location != nil {
		locEvt, err := events.New(events.TypeLocationUpdate, item.ShipmentID, now, events.LocationUpdate{
			ShipmentID: item.ShipmentID,
			Location:   *item.Location,
			Timestamp:  now,
		})
		if err == nil {
			if err := s.bus.Publish(ctx, locEvt); err != nil {
				logging.Warn().Err(err).Str("shipment_id", item.ShipmentID).Msg("Failed to publish location update")
			}
		}
	}
	return nil
}

// handleBulkUpdateStatus serves POST /api/v1/shipments/bulk-status-update.
// Items fail individually; only a malformed batch is rejected outright.
func (s *Server) handleBulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req models.BulkStatusUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return
	}

	resp := models.BulkStatusUpdateResponse{
		TotalUpdates: len(req.Updates),
		Results:      make([]models.BulkStatusUpdateResult, 0, len(req.Updates)),
	}
	for i := range req.Updates {
		item := req.Updates[i]
		result := models.BulkStatusUpdateResult{ShipmentID: item.ShipmentID}

		switch record, err := s.bulkItemRecord(r.Context(), &item); {
		case err != nil:
			result.Error = err.Error()
		case record == nil:
			result.Error = "shipment not found"
		default:
			if err := s.publishStatusUpdate(r.Context(), item); err != nil {
				logging.Error().Err(err).Str("shipment_id", item.ShipmentID).Msg("Bulk item failed to apply")
				result.Error = "failed to apply status update"
			} else {
				result.Success = true
				result.Status = item.Status
			}
		}

		if result.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, result)
	}

	logging.Info().
		Int("total", resp.TotalUpdates).
		Int("successful", resp.Successful).
		Int("failed", resp.Failed).
		Str("operator_id", middleware.OperatorFromContext(r.Context())).
		Msg("Bulk status update")
	respondJSON(w, http.StatusOK, resp)
}

// bulkItemRecord validates one bulk item and loads its shipment. A nil
// record with nil error means the shipment is unknown.
func (s *Server) bulkItemRecord(ctx context.Context, item *models.BulkStatusUpdateItem) (*models.ShipmentRecord, error) {
	if err := s.validate.Struct(item); err != nil {
		return nil, errors.New(validationMessage(err))
	}
	record, err := s.store.Shipment(ctx, item.ShipmentID)
	if err != nil {
		return nil, errors.New("failed to load shipment")
	}
	return record, nil
}

// handleEmergencyAlert serves POST /api/v1/alerts/emergency. Alerts fan out
// to every connected session regardless of subscriptions.
func (s *Server) handleEmergencyAlert(w http.ResponseWriter, r *http.Request) {
	var req models.EmergencyAlertRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return
	}
	severity := req.Severity
	if severity == "" {
		severity = "critical"
	}

	now := time.Now().UTC()
	payload := events.EmergencyAlert{
		ShipmentID:                 req.ShipmentID,
		AlertMessage:               req.Message,
		Severity:                   severity,
		Location:                   req.Location,
		Timestamp:                  now,
		RequiresImmediateAttention: true,
	}
	evt, err := events.New(events.TypeEmergencyAlert, req.ShipmentID, now, payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to build event")
		return
	}
	if err := s.store.ApplyEvent(r.Context(), evt); err != nil {
		logging.Error().Err(err).Str("shipment_id", req.ShipmentID).Msg("Failed to apply emergency alert")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to apply emergency alert")
		return
	}
	if err := s.bus.Publish(r.Context(), evt); err != nil {
		logging.Error().Err(err).Str("shipment_id", req.ShipmentID).Msg("Failed to publish emergency alert")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to publish emergency alert")
		return
	}

	logging.Warn().
		Str("shipment_id", req.ShipmentID).
		Str("severity", severity).
		Str("operator_id", middleware.OperatorFromContext(r.Context())).
		Msg("Emergency alert raised")
	respondJSON(w, http.StatusOK, map[string]any{
		"event_id": evt.ID,
		"severity": severity,
	})
}

// handleKPIs serves GET /api/v1/kpis.
func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	kpis, err := s.store.KPIs(r.Context(), time.Now().UTC())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to compute KPIs")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to compute KPIs")
		return
	}
	respondJSON(w, http.StatusOK, kpis)
}

// handleStatuses serves GET /api/v1/statuses: the closed status lifecycle
// the frontend renders in its dropdowns.
func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"statuses": s.store.Statuses(),
	})
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
