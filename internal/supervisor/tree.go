// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package supervisor runs the portal's long-lived components under a suture
// v4 supervision tree with Erlang-style restart semantics.
//
// The tree has three layers for failure isolation:
//
//	root ("waypost")
//	├── channel-layer    event channel hub, dispatcher
//	├── ingest-layer     embedded NATS, mobile tracking bridge
//	└── api-layer        HTTP server
//
// A crash in the ingest bridge restarts only that layer; connected operator
// sessions and the HTTP API keep running.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mfaulds/waypost/internal/logging"
)

// TreeConfig controls restart behavior. Zero values take suture's defaults.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the portal's supervision hierarchy.
type Tree struct {
	root    *suture.Supervisor
	channel *suture.Supervisor
	ingest  *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

// NewTree builds the three-layer tree. Supervisor events are logged through
// the global zerolog logger via its slog bridge.
func NewTree(config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	// sutureslog's hook is built from a Handler value, not a constructor.
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("waypost", rootSpec)
	channel := suture.New("channel-layer", childSpec)
	ingest := suture.New("ingest-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(channel)
	root.Add(ingest)
	root.Add(api)

	return &Tree{
		root:    root,
		channel: channel,
		ingest:  ingest,
		api:     api,
		config:  config,
	}
}

// AddChannelService supervises a session-facing component: the hub or the
// dispatcher.
func (t *Tree) AddChannelService(svc suture.Service) suture.ServiceToken {
	return t.channel.Add(svc)
}

// AddIngestService supervises a mobile-ingest component.
func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddAPIService supervises the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel yields the
// terminal error when the tree stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
