// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package main is the entry point for the Waypost portal server.
//
// Waypost is a logistics tracking portal: operators watch and update
// shipment records concurrently and see each other's changes live. The
// server fans out state-change events (status changes, location pings,
// emergency alerts) to every connected browser session over a websocket
// channel, and serves the read-model snapshots the sessions hydrate from.
//
// # Startup order
//
//  1. Configuration: layered defaults, optional YAML file, environment
//     variables (koanf v2)
//  2. Logging: zerolog, console or JSON format
//  3. Snapshot store: Badger-backed shipment read model
//  4. Event bus: in-process Watermill pub/sub
//  5. Channel hub + dispatcher: websocket sessions and event fan-out
//  6. Mobile ingest (optional): NATS subjects from the driver app,
//     embedded server or external cluster
//  7. HTTP API: chi router, identity middleware, websocket upgrade
//  8. Supervision: suture tree runs everything until SIGINT/SIGTERM
//
// # Configuration
//
// Everything is overridable by environment variable; the common knobs:
//
//	HTTP_PORT=8094
//	ENVIRONMENT=production          # requires JWT_SECRET
//	JWT_SECRET=...                  # HS256 session token key
//	SNAPSHOT_PATH=/var/lib/waypost  # omit with SNAPSHOT_IN_MEMORY=true
//	NATS_ENABLED=true NATS_EMBEDDED=true
//	CORS_ORIGINS=https://portal.example.com
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfaulds/waypost/internal/api"
	"github.com/mfaulds/waypost/internal/bus"
	"github.com/mfaulds/waypost/internal/channel"
	"github.com/mfaulds/waypost/internal/config"
	"github.com/mfaulds/waypost/internal/dispatch"
	"github.com/mfaulds/waypost/internal/ingest"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/registry"
	"github.com/mfaulds/waypost/internal/snapshot"
	"github.com/mfaulds/waypost/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "waypost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Int("port", cfg.Server.Port).
		Msg("Waypost starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Read model.
	store, err := snapshot.Open(snapshot.Config{
		Path:     cfg.Snapshot.Path,
		InMemory: cfg.Snapshot.InMemory,
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Snapshot store close failed")
		}
	}()

	// Event pipeline.
	eventBus := bus.New(bus.Config{BufferSize: cfg.Bus.BufferSize}, bus.NewLoggerAdapter())
	defer eventBus.Close()

	reg := registry.New()
	hub := channel.NewHub(reg, store, cfg.Channel.SessionBuffer)
	dispatcher := dispatch.New(eventBus, reg, hub, store)

	// Supervision tree.
	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddChannelService(supervisor.NewRunnerService("channel-hub", hub.RunWithContext))
	tree.AddChannelService(supervisor.NewRunnerService("dispatcher", dispatcher.Run))

	// Mobile tracking ingest.
	if cfg.NATS.Enabled {
		natsURL, shutdown, err := setupNATS(cfg)
		if err != nil {
			return err
		}
		if shutdown != nil {
			defer shutdown()
		}

		sub, err := ingest.NewSubscriber(ingest.SubscriberConfig{URL: natsURL}, bus.NewLoggerAdapter())
		if err != nil {
			return fmt.Errorf("connect ingest subscriber: %w", err)
		}
		defer func() {
			if err := sub.Close(); err != nil {
				logging.Warn().Err(err).Msg("Ingest subscriber close failed")
			}
		}()

		bridge := ingest.NewBridge(sub, eventBus, ingest.BridgeConfig{
			LocationRatePerSec: cfg.NATS.LocationRatePerSec,
			LocationBurst:      cfg.NATS.LocationBurst,
		})
		tree.AddIngestService(supervisor.NewRunnerService("ingest-bridge", bridge.Run))
		logging.Info().Str("url", natsURL).Msg("Mobile tracking ingest enabled")
	}

	// HTTP API.
	apiServer := api.NewServer(cfg, store, eventBus, hub)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	logging.Info().Str("addr", httpServer.Addr).Msg("Waypost ready")
	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service missed shutdown timeout")
		}
	}
	logging.Info().Msg("Waypost stopped")
	return nil
}

// setupNATS starts the embedded server when configured, returning the client
// URL and an optional shutdown func.
func setupNATS(cfg *config.Config) (string, func(), error) {
	if !cfg.NATS.Embedded {
		return cfg.NATS.URL, nil, nil
	}

	server, err := ingest.NewEmbeddedServer(ingest.ServerConfig{
		Host: cfg.NATS.Host,
		Port: cfg.NATS.Port,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start embedded nats: %w", err)
	}
	logging.Info().Str("url", server.ClientURL()).Msg("Embedded NATS server started")

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Embedded NATS shutdown failed")
		}
	}
	return server.ClientURL(), shutdown, nil
}
