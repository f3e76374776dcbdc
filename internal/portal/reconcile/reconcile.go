// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package reconcile merges incoming channel events into the portal's local
// view state: table rows, map markers, the open detail pane. Application is
// idempotent and last-writer-wins by event timestamp, so duplicates across
// reconnect epochs and short reorderings converge to the same rendered
// state. A local edit in flight for a shipment defers remote events for that
// shipment until the edit resolves, so a just-submitted value is never
// flickered over by a stale remote one.
package reconcile

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/models"
)

// ErrUnknownEventType marks an event variant the reconciler does not
// understand. Logged and skipped, never fatal.
var ErrUnknownEventType = errors.New("unknown event type")

// LocationOrder selects how location updates are ordered. They carry no
// sequence number, so strict ordering cannot be guaranteed; the choice is
// explicit rather than implied.
type LocationOrder int

const (
	// LocationOrderArrival applies every location update as it arrives.
	// This matches the transport's per-epoch ordering and is the default.
	LocationOrderArrival LocationOrder = iota

	// LocationOrderTimestamp discards location updates whose timestamp is
	// older than the last applied one for that shipment.
	LocationOrderTimestamp
)

// Config tunes the reconciler.
type Config struct {
	LocationOrder LocationOrder

	// FlashWindow is the debounce window for the row-flash side effect.
	// Re-rendering identical content inside one window must not flash
	// twice. Default 750ms.
	FlashWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlashWindow <= 0 {
		c.FlashWindow = 750 * time.Millisecond
	}
	return c
}

// Row is the last-known-rendered state for one shipment.
type Row struct {
	ShipmentID string
	Status     string
	Location   *events.Location
	Driver     *events.DriverInfo
	Notes      string
	UpdatedAt  time.Time // timestamp of the last applied status event
	LocationAt time.Time // timestamp of the last applied location
}

// Hooks are the rendering callbacks. Any hook may be nil. Hooks run after
// the state change commits, outside the reconciler's lock, so a hook may
// read back through Row or Rows. A hook that panics is recovered and
// logged; it never blocks the next event.
type Hooks struct {
	// RenderRow re-renders one table row after its state changed.
	RenderRow func(Row)

	// RenderDetail re-renders the detail pane, called only when the pane
	// open right now shows this exact shipment.
	RenderDetail func(Row)

	// Flash fires the transient row-highlight effect, at most once per
	// FlashWindow per shipment.
	Flash func(shipmentID string)

	// UpsertMarker creates or moves the map marker for a shipment.
	UpsertMarker func(shipmentID string, loc events.Location)

	// Emergency surfaces the acknowledgment-gated alert modal. Alerts
	// stack; this is called once per alert event.
	Emergency func(alert events.EmergencyAlert)

	// Notify enqueues a transient notification.
	Notify func(message, severity string)

	// Display receives informational variants (driver_status_change,
	// mobile_update) that have no required default rendering.
	Display func(eventType string, data json.RawMessage)
}

// Reconciler holds the local view state and applies events to it.
type Reconciler struct {
	cfg   Config
	hooks Hooks

	mu           sync.Mutex
	rows         map[string]*Row
	pendingEdits map[string]struct{}
	deferred     map[string][]events.Envelope
	openDetail   string
	flash        map[string]*rate.Limiter

	// effects collects hook invocations made while mu is held; they run
	// after the state change commits, so hooks may call back into the
	// reconciler (Row, Rows, OpenDetail) without deadlocking.
	effects []func()
}

// New creates an empty reconciler.
func New(cfg Config, hooks Hooks) *Reconciler {
	return &Reconciler{
		cfg:          cfg.withDefaults(),
		hooks:        hooks,
		rows:         make(map[string]*Row),
		pendingEdits: make(map[string]struct{}),
		deferred:     make(map[string][]events.Envelope),
		flash:        make(map[string]*rate.Limiter),
	}
}

// Apply merges one inbound frame into local state. Unknown variants are
// logged and skipped; the error return is informational.
func (r *Reconciler) Apply(env events.Envelope) error {
	r.mu.Lock()
	err := r.applyLocked(env)
	effects := r.takeEffects()
	r.mu.Unlock()

	runEffects(effects)
	return err
}

func (r *Reconciler) takeEffects() []func() {
	out := r.effects
	r.effects = nil
	return out
}

func runEffects(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

func (r *Reconciler) queue(fn func()) {
	r.effects = append(r.effects, fn)
}

func (r *Reconciler) applyLocked(env events.Envelope) error {
	switch env.Type {
	case events.TypeShipmentUpdate:
		return r.applyShipmentUpdate(env)
	case events.TypeLocationUpdate:
		return r.applyLocationUpdate(env)
	case events.TypeEmergencyAlert:
		return r.applyEmergencyAlert(env)
	case events.TypeMobileUpdate:
		return r.applyMobileUpdate(env)
	case events.TypeDriverStatusChange:
		r.callDisplay(env.Type, env.Data)
		return nil
	default:
		logging.Warn().Str("event_type", env.Type).Msg("Skipping unknown event variant")
		return ErrUnknownEventType
	}
}

func (r *Reconciler) applyShipmentUpdate(env events.Envelope) error {
	var upd events.ShipmentUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		logging.Warn().Err(err).Msg("Malformed shipment_update, skipping")
		return err
	}
	if upd.ShipmentID == "" {
		return errors.New("shipment_update without shipment_id")
	}

	// A local submission in flight for this shipment wins the race; the
	// remote event is held and applied right after the edit resolves.
	if _, editing := r.pendingEdits[upd.ShipmentID]; editing {
		r.deferred[upd.ShipmentID] = append(r.deferred[upd.ShipmentID], env)
		return nil
	}

	r.foldStatus(upd.ShipmentID, upd.CurrentStatus, upd.Location, upd.DriverInfo, upd.Notes, upd.Timestamp)
	return nil
}

// foldStatus is the LWW fold. Stale events (older timestamp than the row)
// are discarded; equal state re-applies are no-ops apart from a debounced
// re-render.
func (r *Reconciler) foldStatus(id, status string, loc *events.Location, driver *events.DriverInfo, notes string, ts time.Time) {
	row, ok := r.rows[id]
	if !ok {
		row = &Row{ShipmentID: id}
		r.rows[id] = row
	}
	if !ts.IsZero() && ts.Before(row.UpdatedAt) {
		logging.Debug().
			Str("shipment_id", id).
			Time("event_ts", ts).
			Time("row_ts", row.UpdatedAt).
			Msg("Discarding stale update")
		return
	}

	changed := false
	if status != "" && status != row.Status {
		row.Status = status
		changed = true
	}
	if loc != nil {
		row.Location = loc
		row.LocationAt = ts
	}
	if driver != nil {
		row.Driver = driver
	}
	if notes != "" && notes != row.Notes {
		row.Notes = notes
		changed = true
	}
	if !ts.IsZero() {
		row.UpdatedAt = ts
	}

	r.render(*row)
	if changed && r.allowFlash(id) {
		r.callFlash(id)
	}
	if loc != nil {
		r.callUpsertMarker(id, *loc)
	}
}

func (r *Reconciler) applyLocationUpdate(env events.Envelope) error {
	var upd events.LocationUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		logging.Warn().Err(err).Msg("Malformed location_update, skipping")
		return err
	}
	if upd.ShipmentID == "" {
		return errors.New("location_update without shipment_id")
	}

	row, ok := r.rows[upd.ShipmentID]
	if !ok {
		row = &Row{ShipmentID: upd.ShipmentID}
		r.rows[upd.ShipmentID] = row
	}
	if r.cfg.LocationOrder == LocationOrderTimestamp &&
		!upd.Timestamp.IsZero() && upd.Timestamp.Before(row.LocationAt) {
		return nil
	}

	loc := upd.Location
	row.Location = &loc
	row.LocationAt = upd.Timestamp
	r.callUpsertMarker(upd.ShipmentID, loc)
	if r.openDetail == upd.ShipmentID {
		r.renderDetail(*row)
	}
	return nil
}

func (r *Reconciler) applyEmergencyAlert(env events.Envelope) error {
	var alert events.EmergencyAlert
	if err := json.Unmarshal(env.Data, &alert); err != nil {
		logging.Warn().Err(err).Msg("Malformed emergency_alert, skipping")
		return err
	}

	// Exactly one modal and one notification entry per alert event,
	// regardless of subscriptions or an already-open modal.
	r.callEmergency(alert)
	r.callNotify("EMERGENCY "+alert.ShipmentID+": "+alert.AlertMessage, alert.Severity)

	if alert.Location != nil {
		if row, ok := r.rows[alert.ShipmentID]; ok {
			row.Location = alert.Location
			row.LocationAt = alert.Timestamp
			r.callUpsertMarker(alert.ShipmentID, *alert.Location)
		}
	}
	return nil
}

func (r *Reconciler) applyMobileUpdate(env events.Envelope) error {
	var upd events.MobileUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		logging.Warn().Err(err).Msg("Malformed mobile_update, skipping")
		return err
	}
	if upd.ShipmentID != "" {
		if _, editing := r.pendingEdits[upd.ShipmentID]; editing {
			r.deferred[upd.ShipmentID] = append(r.deferred[upd.ShipmentID], env)
			return nil
		}
		r.foldStatus(upd.ShipmentID, upd.CurrentStatus, upd.Location, upd.DriverInfo, "", upd.Timestamp)
	}
	r.callDisplay(env.Type, env.Data)
	return nil
}

// BeginLocalEdit marks a status submission in flight for a shipment. Remote
// updates for it are deferred until ResolveLocalEdit.
func (r *Reconciler) BeginLocalEdit(shipmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingEdits[shipmentID] = struct{}{}
}

// TryBeginLocalEdit is BeginLocalEdit with a one-edit-per-shipment guard: it
// reports false when an edit for the shipment is already in flight.
func (r *Reconciler) TryBeginLocalEdit(shipmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pendingEdits[shipmentID]; ok {
		return false
	}
	r.pendingEdits[shipmentID] = struct{}{}
	return true
}

// ResolveLocalEdit clears the in-flight guard and applies any deferred
// remote events, in arrival order.
func (r *Reconciler) ResolveLocalEdit(shipmentID string) {
	r.mu.Lock()
	delete(r.pendingEdits, shipmentID)
	queued := r.deferred[shipmentID]
	delete(r.deferred, shipmentID)
	for _, env := range queued {
		if err := r.applyLocked(env); err != nil {
			logging.Warn().Err(err).Str("shipment_id", shipmentID).Msg("Deferred event failed to apply")
		}
	}
	effects := r.takeEffects()
	r.mu.Unlock()

	runEffects(effects)
}

// OpenDetail records that the detail pane shows this shipment; detail
// re-renders fire only for it.
func (r *Reconciler) OpenDetail(shipmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openDetail = shipmentID
}

// CloseDetail clears the open detail pane.
func (r *Reconciler) CloseDetail() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openDetail = ""
}

// Row returns a copy of the current state for one shipment.
func (r *Reconciler) Row(shipmentID string) (Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[shipmentID]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

// Rows returns all rows sorted by shipment ID.
func (r *Reconciler) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShipmentID < out[j].ShipmentID })
	return out
}

// ShipmentIDs returns the currently rendered shipment IDs, the input for
// selection pruning after a refresh.
func (r *Reconciler) ShipmentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rows))
	for id := range r.rows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadSnapshot overwrites local state with a read-model snapshot. The
// snapshot is authoritative: rows absent from it are dropped. Pending edit
// guards and the open detail pane survive.
func (r *Reconciler) LoadSnapshot(records []models.ShipmentRecord) {
	r.mu.Lock()
	fresh := make(map[string]*Row, len(records))
	for _, rec := range records {
		fresh[rec.ID] = &Row{
			ShipmentID: rec.ID,
			Status:     rec.Status,
			Location:   rec.Location,
			Driver:     rec.Driver,
			Notes:      rec.Notes,
			UpdatedAt:  rec.LastUpdated,
			LocationAt: rec.LastUpdated,
		}
	}
	r.rows = fresh
	for _, row := range fresh {
		r.render(*row)
	}
	effects := r.takeEffects()
	r.mu.Unlock()

	runEffects(effects)
}

func (r *Reconciler) render(row Row) {
	r.callRenderRow(row)
	if r.openDetail == row.ShipmentID {
		r.renderDetail(row)
	}
}

func (r *Reconciler) allowFlash(shipmentID string) bool {
	lim, ok := r.flash[shipmentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.cfg.FlashWindow), 1)
		r.flash[shipmentID] = lim
	}
	return lim.Allow()
}

// Hook invocations are isolated: a panic in one renderer is logged and must
// not prevent the next queued event from applying. They queue while the
// state lock is held and run after it releases.

func (r *Reconciler) callRenderRow(row Row) {
	if r.hooks.RenderRow == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("render_row")
		r.hooks.RenderRow(row)
	})
}

func (r *Reconciler) renderDetail(row Row) {
	if r.hooks.RenderDetail == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("render_detail")
		r.hooks.RenderDetail(row)
	})
}

func (r *Reconciler) callFlash(shipmentID string) {
	if r.hooks.Flash == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("flash")
		r.hooks.Flash(shipmentID)
	})
}

func (r *Reconciler) callUpsertMarker(shipmentID string, loc events.Location) {
	if r.hooks.UpsertMarker == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("upsert_marker")
		r.hooks.UpsertMarker(shipmentID, loc)
	})
}

func (r *Reconciler) callEmergency(alert events.EmergencyAlert) {
	if r.hooks.Emergency == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("emergency")
		r.hooks.Emergency(alert)
	})
}

func (r *Reconciler) callNotify(message, severity string) {
	if r.hooks.Notify == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("notify")
		r.hooks.Notify(message, severity)
	})
}

func (r *Reconciler) callDisplay(eventType string, data json.RawMessage) {
	if r.hooks.Display == nil {
		return
	}
	r.queue(func() {
		defer recoverHook("display")
		r.hooks.Display(eventType, data)
	})
}

func recoverHook(name string) {
	if rec := recover(); rec != nil {
		logging.Error().Str("hook", name).Interface("panic", rec).Msg("Rendering hook panicked")
	}
}
