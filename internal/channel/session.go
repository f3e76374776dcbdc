// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB, client frames are tiny
)

// sessionOrdinal generates unique, monotonically increasing ordinals for
// sessions so fan-out and shutdown iterate in a consistent order.
var sessionOrdinal atomic.Uint64

// Session is a single operator's live connection: the middleman between the
// websocket and the hub. Outbound frames queue on send and drain through the
// write pump, preserving per-session FIFO order.
type Session struct {
	id      string
	ordinal uint64

	// OperatorID and CarrierID come from the authenticated request.
	OperatorID string
	CarrierID  string

	hub  *Hub
	conn *websocket.Conn

	mu     sync.RWMutex
	closed bool
	send   chan events.Envelope
}

// NewSession creates a session for an upgraded connection. The session is not
// live until Start is called and the hub has registered it.
func NewSession(hub *Hub, conn *websocket.Conn, operatorID, carrierID string) *Session {
	return &Session{
		id:         uuid.New().String(),
		ordinal:    sessionOrdinal.Add(1),
		OperatorID: operatorID,
		CarrierID:  carrierID,
		hub:        hub,
		conn:       conn,
		send:       make(chan events.Envelope, hub.sessionBuffer),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Send queues a frame for delivery without blocking. It reports false when
// the session's buffer is full or the session is closed; the caller decides
// whether that warrants dropping the session.
func (s *Session) Send(env events.Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// closeSend marks the session closed and closes its outbound queue. Only the
// hub calls this; idempotent.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Start begins the session's read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// readPump pumps frames from the websocket to the hub. It owns all reads on
// the connection and tears the session down when the peer goes away.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("failed to set read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env events.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("session_id", s.id).Msg("unexpected websocket close")
			}
			return
		}
		s.handleFrame(env)
	}
}

// handleFrame processes a single client frame.
func (s *Session) handleFrame(env events.Envelope) {
	switch env.Type {
	case events.TypeSubscribeShipment:
		var req events.SubscriptionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ShipmentID == "" {
			s.sendError("subscribe_shipment requires shipment_id")
			return
		}
		s.hub.subscribe(s, req.ShipmentID)

	case events.TypeUnsubscribeShipment:
		var req events.SubscriptionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ShipmentID == "" {
			s.sendError("unsubscribe_shipment requires shipment_id")
			return
		}
		s.hub.unsubscribe(s, req.ShipmentID)

	case events.TypeRequestShipmentStatus:
		var req events.SubscriptionRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ShipmentID == "" {
			s.sendError("request_shipment_status requires shipment_id")
			return
		}
		s.hub.sendShipmentStatus(s, req.ShipmentID)

	case events.TypePing:
		s.sendControl(events.TypePong, pongPayload{Timestamp: time.Now().UTC()})

	default:
		s.sendError("unknown frame type " + env.Type)
	}
}

// writePump pumps frames from the send queue to the websocket. It owns all
// writes on the connection, including protocol pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("session_id", s.id).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// Hub closed the queue.
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				logging.Error().Err(err).Str("session_id", s.id).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type pongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type ackPayload struct {
	ShipmentID string    `json:"shipment_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// sendControl marshals a control payload and queues it, dropping silently if
// the session is backed up; control frames are advisory.
func (s *Session) sendControl(frameType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Str("type", frameType).Msg("failed to marshal control frame")
		return
	}
	s.Send(events.Envelope{Type: frameType, Data: data})
}

func (s *Session) sendError(msg string) {
	s.sendControl(events.TypeError, errorPayload{Message: msg})
}
