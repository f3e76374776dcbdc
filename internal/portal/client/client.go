// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package client is the operator-side half of the event channel: a
// websocket connection with bounded auto-reconnect, typed event handlers and
// a single dispatch goroutine that serializes all callbacks, so consumers
// (reconciler, notification queue, UI bindings) never need their own locking.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
)

// State is the connection lifecycle state, observable via OnStateChange.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Emit when no connection is open.
var ErrNotConnected = errors.New("channel not connected")

// ErrChannelClosed is returned by Emit after Close.
var ErrChannelClosed = errors.New("channel closed")

// Handler receives the payload of one inbound frame.
type Handler func(data json.RawMessage)

// Config controls the channel client.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8094/api/v1/ws.
	URL string

	// Token is the bearer token, sent as a query parameter because browsers
	// cannot set headers on websocket upgrades. Optional in development.
	Token string

	// MaxReconnectAttempts bounds consecutive reconnect attempts before the
	// channel goes terminal. Default 5.
	MaxReconnectAttempts int

	// ReconnectDelay is the fixed wait between attempts. Default 1s.
	ReconnectDelay time.Duration

	// PingInterval is the application-level keep-alive cadence. Default 30s.
	PingInterval time.Duration

	// HandshakeTimeout bounds each dial. Default 10s.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Channel is a live client connection. All handler callbacks run on one
// dispatch goroutine, in arrival order.
type Channel struct {
	cfg Config

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	handlers      map[string][]Handler
	stateHandlers []func(State)
	subs          map[string]struct{}
	closed        bool

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// Dial connects and starts the channel. The initial dial is not retried; the
// bounded reconnect policy covers transport loss after a successful open.
func Dial(cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:      cfg,
		state:    StateConnecting,
		handlers: make(map[string][]Handler),
		subs:     make(map[string]struct{}),
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.dispatchLoop()

	conn, err := c.dial()
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	c.wg.Add(2)
	go c.run(conn)
	go c.pingLoop()
	return c, nil
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	url := c.cfg.URL
	if c.cfg.Token != "" {
		url += "?token=" + c.cfg.Token
	}
	conn, _, err := dialer.Dial(url, nil)
	return conn, err
}

// On registers a handler for an event type. Multiple handlers per type all
// run, in registration order.
func (c *Channel) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// OnStateChange registers a connection-state observer, the hook behind the
// portal's connection indicator.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit sends a client-originated frame. Fire-and-forget: a send on a dropped
// connection surfaces here but delivery is never confirmed.
func (c *Channel) Emit(eventType string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.conn == nil || c.state != StateOpen {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(events.Envelope{Type: eventType, Data: data})
}

// Subscribe registers interest in a shipment. The subscription is remembered
// and re-emitted automatically after a successful reconnect.
func (c *Channel) Subscribe(shipmentID string) error {
	c.mu.Lock()
	c.subs[shipmentID] = struct{}{}
	c.mu.Unlock()
	return c.Emit(events.TypeSubscribeShipment, events.SubscriptionRequest{ShipmentID: shipmentID})
}

// Unsubscribe removes interest in a shipment.
func (c *Channel) Unsubscribe(shipmentID string) error {
	c.mu.Lock()
	delete(c.subs, shipmentID)
	c.mu.Unlock()
	return c.Emit(events.TypeUnsubscribeShipment, events.SubscriptionRequest{ShipmentID: shipmentID})
}

// Subscriptions returns the shipments this channel is subscribed to.
func (c *Channel) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Close tears the channel down: connection, timers and the dispatch loop go
// together. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	// State observers must be queued before done closes, or the dispatch
	// loop may drain without the terminal transition.
	c.setState(StateDisconnected)
	c.teardown()
	return nil
}

func (c *Channel) teardown() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Wait blocks until the channel has fully shut down, for tests and the
// console binary.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run reads frames off one connection after another, reconnecting between
// them, until Close or reconnect exhaustion.
func (c *Channel) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(conn)
		if c.isClosed() {
			return
		}
		c.setState(StateDisconnected)

		next, ok := c.reconnect()
		if !ok {
			c.setState(StateFailed)
			c.teardown()
			return
		}
		conn = next
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !c.isClosed() {
				logging.Debug().Err(err).Msg("Channel read failed")
			}
			_ = conn.Close()
			return
		}
		c.dispatchFrame(env)
	}
}

// reconnect tries up to MaxReconnectAttempts dials with a fixed delay. A
// success resets the budget implicitly: the next disconnect gets a fresh run
// of attempts.
func (c *Channel) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.setState(StateReconnecting)
		select {
		case <-c.done:
			return nil, false
		case <-time.After(c.cfg.ReconnectDelay):
		}
		if c.isClosed() {
			return nil, false
		}

		conn, err := c.dial()
		if err != nil {
			logging.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", c.cfg.MaxReconnectAttempts).
				Msg("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateOpen)
		c.resubscribe()
		logging.Info().Int("attempt", attempt).Msg("Channel reconnected")
		return conn, true
	}
	logging.Error().
		Int("max_attempts", c.cfg.MaxReconnectAttempts).
		Msg("Reconnect attempts exhausted, channel failed")
	return nil, false
}

// resubscribe re-emits subscribe_shipment for every remembered shipment.
// Missed events are not replayed; consumers resync from the read model.
func (c *Channel) resubscribe() {
	for _, id := range c.Subscriptions() {
		if err := c.Emit(events.TypeSubscribeShipment, events.SubscriptionRequest{ShipmentID: id}); err != nil {
			logging.Warn().Err(err).Str("shipment_id", id).Msg("Resubscribe failed")
		}
	}
}

func (c *Channel) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// Transient send failures are fine; the read loop owns
			// reconnect. Only a closed channel ends the loop.
			if err := c.Emit(events.TypePing, struct{}{}); errors.Is(err, ErrChannelClosed) {
				return
			}
		}
	}
}

func (c *Channel) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			// Drain what is already queued so in-flight frames finish.
			for {
				select {
				case task := <-c.tasks:
					task()
				default:
					return
				}
			}
		case task := <-c.tasks:
			task()
		}
	}
}

func (c *Channel) post(task func()) {
	select {
	case c.tasks <- task:
	case <-c.done:
	}
}

func (c *Channel) dispatchFrame(env events.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[env.Type]))
	copy(handlers, c.handlers[env.Type])
	c.mu.Unlock()

	c.post(func() {
		for _, h := range handlers {
			invoke(h, env)
		}
	})
}

// invoke isolates handler panics so one bad handler cannot stall the frame
// stream.
func invoke(h Handler, env events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event_type", env.Type).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(env.Data)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observers := make([]func(State), len(c.stateHandlers))
	copy(observers, c.stateHandlers)
	c.mu.Unlock()

	c.post(func() {
		for _, fn := range observers {
			fn(s)
		}
	})
}
