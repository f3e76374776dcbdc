// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package models holds the read-model types shared between the server's
// snapshot store, the HTTP API and the portal client runtime.
package models

import (
	"time"

	"github.com/mfaulds/waypost/internal/events"
)

// ShipmentRecord is the read-model row for one tracked shipment, as served by
// the snapshot endpoints and rendered in the portal table.
type ShipmentRecord struct {
	ID               string           `json:"id"`
	Name             string           `json:"name,omitempty"`
	ProjectReference string           `json:"project_reference,omitempty"`
	CarrierID        string           `json:"carrier_id,omitempty"`
	Status           string           `json:"status"`
	Location         *events.Location `json:"location,omitempty"`
	Driver           *events.DriverInfo `json:"driver,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	RequiredDelivery string           `json:"required_delivery,omitempty"` // YYYY-MM-DD
	LastUpdated      time.Time        `json:"last_updated"`
}

// TrackingEntry is one row of a shipment's tracking history.
type TrackingEntry struct {
	ShipmentID string           `json:"shipment_id"`
	Status     string           `json:"status"`
	Location   *events.Location `json:"location,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Source     string           `json:"source,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// KPISnapshot is the dashboard KPI aggregate computed over the current
// shipment read model. StatusBreakdown is always non-nil, even when empty.
type KPISnapshot struct {
	TotalShipments   int            `json:"total_shipments"`
	InTransit        int            `json:"in_transit"`
	DeliveredToday   int            `json:"delivered_today"`
	Delayed          int            `json:"delayed"`
	OnTimePercentage float64        `json:"on_time_percentage"`
	StatusBreakdown  map[string]int `json:"status_breakdown"`
}

// UpdateStatusRequest is the body of POST /shipments/{id}/update-status.
type UpdateStatusRequest struct {
	Status     string             `json:"status" validate:"required,shipment_status"`
	Notes      string             `json:"notes,omitempty" validate:"max=2000"`
	Location   *events.Location   `json:"location,omitempty"`
	DriverInfo *events.DriverInfo `json:"driver_info,omitempty"`
}

// UpdateStatusResponse is the body returned by the update-status endpoint.
type UpdateStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BulkStatusUpdateItem is one entry in a bulk status update. Items fail
// individually; one bad item never aborts the batch.
type BulkStatusUpdateItem struct {
	ShipmentID string             `json:"shipment_id" validate:"required"`
	Status     string             `json:"status" validate:"required,shipment_status"`
	Notes      string             `json:"notes,omitempty" validate:"max=2000"`
	Location   *events.Location   `json:"location,omitempty"`
	DriverInfo *events.DriverInfo `json:"driver_info,omitempty"`
}

// BulkStatusUpdateRequest is the body of POST /shipments/bulk-status-update.
// Capped at 100 updates per request.
type BulkStatusUpdateRequest struct {
	Updates []BulkStatusUpdateItem `json:"updates" validate:"required,min=1,max=100"`
}

// BulkStatusUpdateResult is the per-item outcome of a bulk update.
type BulkStatusUpdateResult struct {
	ShipmentID string `json:"shipment_id"`
	Success    bool   `json:"success"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BulkStatusUpdateResponse summarizes a bulk update, including every
// per-item result in request order.
type BulkStatusUpdateResponse struct {
	TotalUpdates int                      `json:"total_updates"`
	Successful   int                      `json:"successful"`
	Failed       int                      `json:"failed"`
	Results      []BulkStatusUpdateResult `json:"results"`
}

// EmergencyAlertRequest is the body of POST /alerts/emergency.
type EmergencyAlertRequest struct {
	ShipmentID string           `json:"shipment_id" validate:"required"`
	Message    string           `json:"message" validate:"required,max=2000"`
	Severity   string           `json:"severity,omitempty" validate:"omitempty,oneof=critical high medium"`
	Location   *events.Location `json:"location,omitempty"`
}

// ShipmentListResponse is the paginated snapshot list. The snapshot is
// consistent enough to overwrite, not merge with, client state.
type ShipmentListResponse struct {
	Shipments  []ShipmentRecord `json:"shipments"`
	Pagination Pagination       `json:"pagination"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	Total   int  `json:"total"`
	Pages   int  `json:"pages"`
	HasPrev bool `json:"has_prev"`
	HasNext bool `json:"has_next"`
}

// APIResponse is the standard response wrapper used by all HTTP endpoints.
type APIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError carries error details when APIResponse.Status is "error".
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
