// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package bus provides the in-process event pipeline between producers (HTTP
// handlers, the NATS ingest bridge) and the session dispatcher. It rides on a
// Watermill Go channel pub/sub so the dispatcher consumes through the same
// message interface as any external broker would present.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/metrics"
)

// TopicEvents is the single topic all domain events flow through. Ordering is
// preserved end to end: one topic, one consumer goroutine.
const TopicEvents = "tracking.events"

// Metadata keys attached to every published message.
const (
	metaEventType  = "event_type"
	metaShipmentID = "shipment_id"
)

// Config controls bus buffering.
type Config struct {
	// BufferSize is the per-subscriber channel depth. Publishing blocks once
	// a subscriber falls this far behind.
	BufferSize int
}

// Bus is a typed event bus over a Watermill Go channel pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// New creates an event bus. A nil logger falls back to Watermill's standard
// logger, matching the rest of the messaging layer.
func New(cfg Config, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, logger)

	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish validates and publishes a domain event. Events failing validation
// are rejected before they reach any consumer.
func (b *Bus) Publish(ctx context.Context, evt *events.Event) error {
	if evt == nil {
		return fmt.Errorf("publish: nil event")
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish: bus is closed")
	}
	b.mu.RUnlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}

	msg := message.NewMessage(evt.ID, data)
	msg.Metadata.Set(metaEventType, evt.Type)
	msg.Metadata.Set(metaShipmentID, evt.ShipmentID)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(TopicEvents, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.ID, err)
	}

	metrics.RecordBusPublish(evt.Type)
	return nil
}

// Subscribe returns a channel of decoded events. Messages that fail to decode
// are acked and dropped with a log entry rather than wedging the pipeline.
// The returned channel closes when ctx is cancelled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *events.Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicEvents)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicEvents, err)
	}

	out := make(chan *events.Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var evt events.Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.logger.Error("drop undecodable event", err, watermill.LogFields{
					"message_uuid": msg.UUID,
				})
				msg.Ack()
				continue
			}
			select {
			case out <- &evt:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down. Subscriber channels close once in-flight messages
// drain. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}
