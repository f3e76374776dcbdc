// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package ingest bridges the mobile driver feed into the portal's event
// pipeline. Driver apps publish plain JSON tracking documents over NATS;
// the bridge translates them into domain events, throttles bare location
// pings per shipment and hands them to the bus.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mfaulds/waypost/internal/bus"
	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/metrics"
)

// Subjects consumed from the mobile feed.
const (
	SubjectUpdates   = "tracking.update.>"
	SubjectDrivers   = "tracking.driver.>"
	SubjectEmergency = "tracking.emergency.>"
)

// trackingDoc is the wire shape of a mobile tracking document. One schema
// covers status updates and bare location pings; the distinction is which
// fields are set.
type trackingDoc struct {
	ShipmentID    string             `json:"shipment_id"`
	CurrentStatus string             `json:"current_status,omitempty"`
	Location      *events.Location   `json:"location,omitempty"`
	DriverInfo    *events.DriverInfo `json:"driver_info,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// driverDoc is the wire shape of a driver presence change.
type driverDoc struct {
	CarrierID   string    `json:"carrier_id"`
	DriverName  string    `json:"driver_name"`
	TruckNumber string    `json:"truck_number,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// emergencyDoc is the wire shape of an emergency alert raised from the road.
type emergencyDoc struct {
	ShipmentID   string           `json:"shipment_id"`
	AlertMessage string           `json:"alert_message"`
	Severity     string           `json:"severity,omitempty"`
	Location     *events.Location `json:"location,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// BridgeConfig tunes the location ping throttle.
type BridgeConfig struct {
	// LocationRatePerSec caps bare location pings per shipment. Excess pings
	// are dropped; the feed is lossy by contract and the next ping carries
	// the full position anyway.
	LocationRatePerSec float64
	LocationBurst      int
}

// Bridge consumes the mobile feed and publishes domain events to the bus.
type Bridge struct {
	sub *Subscriber
	bus *bus.Bus
	cfg BridgeConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBridge creates a bridge from the feed subscriber to the event bus.
func NewBridge(sub *Subscriber, b *bus.Bus, cfg BridgeConfig) *Bridge {
	if cfg.LocationRatePerSec <= 0 {
		cfg.LocationRatePerSec = 2
	}
	if cfg.LocationBurst <= 0 {
		cfg.LocationBurst = 5
	}
	return &Bridge{
		sub:      sub,
		bus:      b,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run consumes all feed subjects until ctx is cancelled. Designed for suture
// supervision.
func (br *Bridge) Run(ctx context.Context) error {
	updates, err := br.sub.Subscribe(ctx, SubjectUpdates)
	if err != nil {
		return err
	}
	drivers, err := br.sub.Subscribe(ctx, SubjectDrivers)
	if err != nil {
		return err
	}
	emergencies, err := br.sub.Subscribe(ctx, SubjectEmergency)
	if err != nil {
		return err
	}

	logging.Info().Msg("Tracking feed bridge started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("component", "ingest-bridge").Msg("Tracking feed bridge stopped")
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			br.handleUpdate(ctx, msg)
		case msg, ok := <-drivers:
			if !ok {
				return nil
			}
			br.handleDriver(ctx, msg)
		case msg, ok := <-emergencies:
			if !ok {
				return nil
			}
			br.handleEmergency(ctx, msg)
		}
	}
}

func (br *Bridge) handleUpdate(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var doc trackingDoc
	if err := json.Unmarshal(msg.Payload, &doc); err != nil {
		logging.Warn().Err(err).Str("subject", msg.Metadata.Get("subject")).
			Msg("Undecodable tracking document")
		metrics.RecordIngestDropped()
		return
	}
	if doc.ShipmentID == "" {
		metrics.RecordIngestDropped()
		return
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	// Bare position ping: no status change, just coordinates.
	if doc.CurrentStatus == "" && doc.Location != nil {
		if !br.allowLocation(doc.ShipmentID) {
			metrics.RecordIngestDropped()
			return
		}
		evt, err := events.New(events.TypeLocationUpdate, doc.ShipmentID, doc.Timestamp, events.LocationUpdate{
			ShipmentID: doc.ShipmentID,
			Location:   *doc.Location,
			Timestamp:  doc.Timestamp,
		})
		if err != nil {
			logging.Error().Err(err).Msg("Failed to build location event")
			return
		}
		br.publish(ctx, evt, "location")
		return
	}

	evt, err := events.New(events.TypeMobileUpdate, doc.ShipmentID, doc.Timestamp, events.MobileUpdate{
		ShipmentID:    doc.ShipmentID,
		CurrentStatus: doc.CurrentStatus,
		Location:      doc.Location,
		DriverInfo:    doc.DriverInfo,
		Timestamp:     doc.Timestamp,
		Source:        events.SourceMobileApp,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build mobile update event")
		return
	}
	br.publish(ctx, evt, "update")
}

func (br *Bridge) handleDriver(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var doc driverDoc
	if err := json.Unmarshal(msg.Payload, &doc); err != nil || doc.CarrierID == "" {
		metrics.RecordIngestDropped()
		return
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	evt, err := events.New(events.TypeDriverStatusChange, "", doc.Timestamp, events.DriverStatusChange{
		CarrierID:   doc.CarrierID,
		DriverName:  doc.DriverName,
		TruckNumber: doc.TruckNumber,
		Status:      doc.Status,
		Timestamp:   doc.Timestamp,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build driver status event")
		return
	}
	evt.CarrierID = doc.CarrierID
	br.publish(ctx, evt, "driver")
}

func (br *Bridge) handleEmergency(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var doc emergencyDoc
	if err := json.Unmarshal(msg.Payload, &doc); err != nil || doc.ShipmentID == "" {
		metrics.RecordIngestDropped()
		return
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	if doc.Severity == "" {
		doc.Severity = "critical"
	}

	evt, err := events.New(events.TypeEmergencyAlert, doc.ShipmentID, doc.Timestamp, events.EmergencyAlert{
		ShipmentID:                 doc.ShipmentID,
		AlertMessage:               doc.AlertMessage,
		Severity:                   doc.Severity,
		Location:                   doc.Location,
		Timestamp:                  doc.Timestamp,
		RequiresImmediateAttention: true,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build emergency event")
		return
	}
	br.publish(ctx, evt, "emergency")
}

func (br *Bridge) publish(ctx context.Context, evt *events.Event, variant string) {
	if err := br.bus.Publish(ctx, evt); err != nil {
		logging.Error().Err(err).Str("event_type", evt.Type).Msg("Failed to publish ingested event")
		return
	}
	metrics.RecordIngest(variant)
}

// allowLocation checks the per-shipment ping throttle.
func (br *Bridge) allowLocation(shipmentID string) bool {
	br.mu.Lock()
	lim, ok := br.limiters[shipmentID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(br.cfg.LocationRatePerSec), br.cfg.LocationBurst)
		br.limiters[shipmentID] = lim
	}
	br.mu.Unlock()
	return lim.Allow()
}
