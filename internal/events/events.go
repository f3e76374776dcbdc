// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package events defines the closed set of domain event variants exchanged
// between the portal server and operator sessions, and the wire envelope they
// travel in. Events are immutable once emitted; their only identity is
// shipment ID + timestamp + type.
package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Server-originated event types.
const (
	TypeShipmentUpdate     = "shipment_update"
	TypeLocationUpdate     = "location_update"
	TypeEmergencyAlert     = "emergency_alert"
	TypeDriverStatusChange = "driver_status_change"
	TypeMobileUpdate       = "mobile_update"

	// Control frames sent to the client in reply to its requests.
	TypeConnected      = "connected"
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeShipmentStatus = "shipment_status"
	TypePong           = "pong"
	TypeError          = "error"
)

// Client-originated event types.
const (
	TypeSubscribeShipment     = "subscribe_shipment"
	TypeUnsubscribeShipment   = "unsubscribe_shipment"
	TypeRequestShipmentStatus = "request_shipment_status"
	TypePing                  = "ping"
)

// Source values recorded on events.
const (
	SourceWebPortal = "web_portal"
	SourceMobileApp = "mobile_app"
)

// Envelope is the wire frame for all channel traffic: a type tag and the
// variant-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Location is a lat/lng pair as reported by the mobile driver app.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverInfo identifies the driver currently assigned to a shipment.
type DriverInfo struct {
	Name        string `json:"name"`
	TruckNumber string `json:"truck_number,omitempty"`
}

// ShipmentUpdate is the payload of a shipment_update event.
type ShipmentUpdate struct {
	ShipmentID    string      `json:"shipment_id"`
	CurrentStatus string      `json:"current_status"`
	Location      *Location   `json:"location,omitempty"`
	DriverInfo    *DriverInfo `json:"driver_info,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	Source        string      `json:"source,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// LocationUpdate is the payload of a location_update event. It carries no
// sequence number; ordering across updates is by arrival unless the consumer
// opts into timestamp ordering.
type LocationUpdate struct {
	ShipmentID string    `json:"shipment_id"`
	Location   Location  `json:"location"`
	Timestamp  time.Time `json:"timestamp"`
}

// EmergencyAlert is the payload of an emergency_alert event. Alerts are
// safety critical and are delivered to every connected session.
type EmergencyAlert struct {
	ShipmentID                 string    `json:"shipment_id"`
	AlertMessage               string    `json:"alert_message"`
	Severity                   string    `json:"severity"`
	Location                   *Location `json:"location,omitempty"`
	Timestamp                  time.Time `json:"timestamp"`
	RequiresImmediateAttention bool      `json:"requires_immediate_attention"`
}

// DriverStatusChange is the payload of a driver_status_change event,
// emitted when a driver comes online/offline in the mobile app.
type DriverStatusChange struct {
	CarrierID   string    `json:"carrier_id"`
	DriverName  string    `json:"driver_name"`
	TruckNumber string    `json:"truck_number,omitempty"`
	Status      string    `json:"status"` // online, offline, driving
	Timestamp   time.Time `json:"timestamp"`
}

// MobileUpdate is the payload of a mobile_update event: a raw tracking
// document synced from the mobile driver app.
type MobileUpdate struct {
	ShipmentID    string      `json:"shipment_id"`
	CurrentStatus string      `json:"current_status,omitempty"`
	Location      *Location   `json:"location,omitempty"`
	DriverInfo    *DriverInfo `json:"driver_info,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Source        string      `json:"source,omitempty"`
}

// SubscriptionRequest is the payload of subscribe_shipment,
// unsubscribe_shipment and request_shipment_status frames.
type SubscriptionRequest struct {
	ShipmentID string `json:"shipment_id"`
}

// Event is the dispatcher's unit of work: a typed domain event bound to a
// shipment, carrying its serialized payload.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	ShipmentID string          `json:"shipment_id,omitempty"`
	CarrierID  string          `json:"carrier_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// New creates an event with a unique ID and the given payload. The payload
// must marshal cleanly; a marshal failure is a programming error surfaced to
// the caller.
func New(eventType, shipmentID string, ts time.Time, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ShipmentID: shipmentID,
		Timestamp:  ts.UTC(),
		Payload:    data,
	}, nil
}

// Envelope converts the event to its wire frame.
func (e *Event) Envelope() Envelope {
	return Envelope{Type: e.Type, Data: e.Payload}
}

// Validate checks required fields.
func (e *Event) Validate() error {
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "required"}
	}
	if !IsKnownType(e.Type) {
		return &ValidationError{Field: "type", Message: "unknown event type " + e.Type}
	}
	if e.Type != TypeDriverStatusChange && e.ShipmentID == "" {
		return &ValidationError{Field: "shipment_id", Message: "required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// IsKnownType reports whether t is a server-originated domain event type.
func IsKnownType(t string) bool {
	switch t {
	case TypeShipmentUpdate, TypeLocationUpdate, TypeEmergencyAlert,
		TypeDriverStatusChange, TypeMobileUpdate:
		return true
	}
	return false
}

// IsBroadcast reports whether the event bypasses subscription scoping and is
// fanned out to every connected session.
func (e *Event) IsBroadcast() bool {
	return e.Type == TypeEmergencyAlert
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
