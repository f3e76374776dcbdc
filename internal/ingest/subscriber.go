// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// SubscriberConfig configures the tracking feed subscriber.
type SubscriberConfig struct {
	URL            string
	QueueGroup     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	AckWaitTimeout time.Duration
	CloseTimeout   time.Duration
}

func (c *SubscriberConfig) withDefaults() SubscriberConfig {
	out := *c
	if out.QueueGroup == "" {
		out.QueueGroup = "waypost-ingest"
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = -1 // retry forever
	}
	if out.ReconnectWait == 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.AckWaitTimeout == 0 {
		out.AckWaitTimeout = 30 * time.Second
	}
	if out.CloseTimeout == 0 {
		out.CloseTimeout = 10 * time.Second
	}
	return out
}

// rawJSONUnmarshaler accepts messages published by plain NATS clients. The
// mobile backend is not a Watermill producer, so its messages carry no
// Watermill headers; each one becomes a fresh message with the NATS payload.
type rawJSONUnmarshaler struct{}

func (rawJSONUnmarshaler) Unmarshal(natsMsg *natsgo.Msg) (*message.Message, error) {
	msg := message.NewMessage(watermill.NewUUID(), natsMsg.Data)
	msg.Metadata.Set("subject", natsMsg.Subject)
	return msg, nil
}

func (rawJSONUnmarshaler) Marshal(topic string, msg *message.Message) (*natsgo.Msg, error) {
	return &natsgo.Msg{Subject: topic, Data: msg.Payload}, nil
}

// Subscriber consumes the mobile tracking feed over core NATS. Queue group
// subscription means multiple portal instances share the feed without
// duplicate delivery.
type Subscriber struct {
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
}

// NewSubscriber creates a core NATS subscriber for the tracking feed.
func NewSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	cfg = cfg.withDefaults()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Tracking feed disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Tracking feed reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      rawJSONUnmarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: true,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create tracking feed subscriber: %w", err)
	}

	return &Subscriber{subscriber: sub, logger: logger}, nil
}

// Subscribe returns a channel of messages for the given subject. The channel
// closes when ctx is cancelled or the subscriber closes.
func (s *Subscriber) Subscribe(ctx context.Context, subject string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, subject)
}

// Close gracefully shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
