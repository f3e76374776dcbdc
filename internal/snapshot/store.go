// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package snapshot maintains the shipment read model in BadgerDB. Events
// fold into it with last-writer-wins semantics keyed on event timestamp, so
// replaying or re-delivering an event never moves a shipment backwards.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	shipmentKeyPrefix = "shipment:"
	historyKeyPrefix  = "history:"
)

// Config controls where the store lives.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the whole store in RAM; used by tests and dev mode.
	InMemory bool
}

// Store is the BadgerDB-backed shipment read model.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a shipment record, replacing any existing one. Used for seeding
// and administrative fixes; event folding goes through ApplyEvent.
func (s *Store) Put(ctx context.Context, record *models.ShipmentRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("put shipment: missing ID")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal shipment %s: %w", record.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(shipmentKeyPrefix+record.ID), data)
	})
}

// Shipment returns the record for a shipment, or (nil, nil) when unknown.
func (s *Store) Shipment(ctx context.Context, shipmentID string) (*models.ShipmentRecord, error) {
	var record models.ShipmentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(shipmentKeyPrefix + shipmentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment %s: %w", shipmentID, err)
	}
	return &record, nil
}

// ListFilter narrows and pages the shipment list.
type ListFilter struct {
	Status    string
	CarrierID string

	// Search is a case-insensitive substring match on shipment name and
	// project reference.
	Search string

	Page    int
	PerPage int
}

func matchesSearch(rec *models.ShipmentRecord, term string) bool {
	return strings.Contains(strings.ToLower(rec.Name), term) ||
		strings.Contains(strings.ToLower(rec.ProjectReference), term)
}

// List returns shipments matching the filter, sorted by ID, with pagination
// metadata computed over the filtered set.
func (s *Store) List(ctx context.Context, filter ListFilter) (*models.ShipmentListResponse, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 500 {
		filter.PerPage = 50
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	var all []models.ShipmentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(shipmentKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record models.ShipmentRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			if filter.Status != "" && record.Status != filter.Status {
				continue
			}
			if filter.CarrierID != "" && record.CarrierID != filter.CarrierID {
				continue
			}
			if search != "" && !matchesSearch(&record, search) {
				continue
			}
			all = append(all, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	pages := (total + filter.PerPage - 1) / filter.PerPage
	if pages == 0 {
		pages = 1
	}
	start := (filter.Page - 1) * filter.PerPage
	if start > total {
		start = total
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}

	page := all[start:end]
	if page == nil {
		page = []models.ShipmentRecord{}
	}

	return &models.ShipmentListResponse{
		Shipments: page,
		Pagination: models.Pagination{
			Page:    filter.Page,
			PerPage: filter.PerPage,
			Total:   total,
			Pages:   pages,
			HasPrev: filter.Page > 1,
			HasNext: filter.Page < pages,
		},
	}, nil
}

// ApplyEvent folds a domain event into the read model. Events older than the
// shipment's last update are discarded; re-applying the latest event is a
// no-op, which makes delivery retries safe.
func (s *Store) ApplyEvent(ctx context.Context, evt *events.Event) error {
	switch evt.Type {
	case events.TypeShipmentUpdate:
		var p events.ShipmentUpdate
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode shipment_update: %w", err)
		}
		return s.applyUpdate(evt, p.ShipmentID, func(r *models.ShipmentRecord) *models.TrackingEntry {
			if p.CurrentStatus != "" {
				r.Status = p.CurrentStatus
			}
			if p.Location != nil {
				r.Location = p.Location
			}
			if p.DriverInfo != nil {
				r.Driver = p.DriverInfo
			}
			if p.Notes != "" {
				r.Notes = p.Notes
			}
			return &models.TrackingEntry{
				ShipmentID: r.ID,
				Status:     r.Status,
				Location:   p.Location,
				Notes:      p.Notes,
				Source:     p.Source,
				Timestamp:  evt.Timestamp,
			}
		})

	case events.TypeMobileUpdate:
		var p events.MobileUpdate
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode mobile_update: %w", err)
		}
		return s.applyUpdate(evt, p.ShipmentID, func(r *models.ShipmentRecord) *models.TrackingEntry {
			if p.CurrentStatus != "" {
				r.Status = p.CurrentStatus
			}
			if p.Location != nil {
				r.Location = p.Location
			}
			if p.DriverInfo != nil {
				r.Driver = p.DriverInfo
			}
			return &models.TrackingEntry{
				ShipmentID: r.ID,
				Status:     r.Status,
				Location:   p.Location,
				Source:     events.SourceMobileApp,
				Timestamp:  evt.Timestamp,
			}
		})

	case events.TypeLocationUpdate:
		var p events.LocationUpdate
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode location_update: %w", err)
		}
		return s.applyUpdate(evt, p.ShipmentID, func(r *models.ShipmentRecord) *models.TrackingEntry {
			loc := p.Location
			r.Location = &loc
			// Bare pings don't earn a tracking history row.
			return nil
		})

	case events.TypeEmergencyAlert:
		var p events.EmergencyAlert
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode emergency_alert: %w", err)
		}
		return s.applyUpdate(evt, p.ShipmentID, func(r *models.ShipmentRecord) *models.TrackingEntry {
			if p.Location != nil {
				r.Location = p.Location
			}
			return &models.TrackingEntry{
				ShipmentID: r.ID,
				Status:     r.Status,
				Location:   p.Location,
				Notes:      "EMERGENCY: " + p.AlertMessage,
				Timestamp:  evt.Timestamp,
			}
		})

	case events.TypeDriverStatusChange:
		// Driver presence isn't part of the shipment read model.
		return nil

	default:
		return fmt.Errorf("apply event: unknown type %s", evt.Type)
	}
}

// applyUpdate loads (or creates) the record, applies fn under the LWW guard
// and persists the result plus any tracking entry fn produced.
func (s *Store) applyUpdate(evt *events.Event, shipmentID string, fn func(*models.ShipmentRecord) *models.TrackingEntry) error {
	if shipmentID == "" {
		shipmentID = evt.ShipmentID
	}
	if shipmentID == "" {
		return fmt.Errorf("apply %s: missing shipment ID", evt.Type)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		record := &models.ShipmentRecord{ID: shipmentID}
		item, err := txn.Get([]byte(shipmentKeyPrefix + shipmentID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, record)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// First sighting of this shipment.
		default:
			return err
		}

		if evt.Timestamp.Before(record.LastUpdated) {
			logging.Debug().
				Str("shipment_id", shipmentID).
				Str("event_type", evt.Type).
				Time("event_ts", evt.Timestamp).
				Time("record_ts", record.LastUpdated).
				Msg("Discarding stale event")
			return nil
		}

		entry := fn(record)
		record.LastUpdated = evt.Timestamp

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal shipment %s: %w", shipmentID, err)
		}
		if err := txn.Set([]byte(shipmentKeyPrefix+shipmentID), data); err != nil {
			return err
		}

		if entry != nil {
			entryData, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal tracking entry: %w", err)
			}
			key := historyKey(shipmentID, evt.Timestamp, evt.ID)
			if err := txn.Set(key, entryData); err != nil {
				return err
			}
		}
		return nil
	})
}

// historyKey builds a lexically time-ordered key so iteration returns
// entries in chronological order. The event ID breaks ties.
func historyKey(shipmentID string, ts time.Time, eventID string) []byte {
	return []byte(historyKeyPrefix + shipmentID + ":" + ts.UTC().Format("20060102T150405.000000000") + ":" + eventID)
}

// History returns a shipment's tracking entries, newest first, capped at
// limit (0 means all).
func (s *Store) History(ctx context.Context, shipmentID string, limit int) ([]models.TrackingEntry, error) {
	var entries []models.TrackingEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		// Newest first: iterate the time-ordered keys in reverse.
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(historyKeyPrefix + shipmentID + ":")
		// Reverse iteration needs a seek key past the prefix range.
		seek := []byte(historyKeyPrefix + shipmentID + ";")
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry models.TrackingEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", shipmentID, err)
	}
	return entries, nil
}

// KPIs computes the dashboard aggregate over the current read model. The
// status breakdown map is always non-nil.
func (s *Store) KPIs(ctx context.Context, now time.Time) (*models.KPISnapshot, error) {
	kpi := &models.KPISnapshot{StatusBreakdown: make(map[string]int)}

	today := now.UTC().Truncate(24 * time.Hour)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(shipmentKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record models.ShipmentRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}

			kpi.TotalShipments++
			kpi.StatusBreakdown[record.Status]++

			switch record.Status {
			case events.StatusInTransit:
				kpi.InTransit++
			case events.StatusDelayed:
				kpi.Delayed++
			case events.StatusDelivered:
				if !record.LastUpdated.IsZero() && !record.LastUpdated.UTC().Truncate(24*time.Hour).Before(today) {
					kpi.DeliveredToday++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute kpis: %w", err)
	}

	if kpi.TotalShipments > 0 {
		onTime := float64(kpi.TotalShipments-kpi.Delayed) / float64(kpi.TotalShipments) * 100
		// One decimal place, matching the dashboard display.
		kpi.OnTimePercentage = float64(int(onTime*10+0.5)) / 10
	}
	return kpi, nil
}

// Statuses returns the valid shipment statuses in display order.
func (s *Store) Statuses() []string {
	out := make([]string, len(events.ValidStatuses))
	copy(out, events.ValidStatuses)
	return out
}

// DropAll wipes the store. Test helper.
func (s *Store) DropAll() error {
	return s.db.DropPrefix([]byte(shipmentKeyPrefix), []byte(historyKeyPrefix))
}
