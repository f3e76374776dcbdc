// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package main is a headless operator console: it runs the same client
// runtime the browser portal uses (channel client, reconciler, selection
// set, notification queue, updater) against a live Waypost server and
// prints state changes to stdout. Useful for smoke-testing a deployment
// and as a reference for wiring the runtime.
//
// Usage:
//
//	waypost-console -server http://localhost:8094 -subscribe SHP-1001,SHP-1002
//	waypost-console -select SHP-1001,SHP-1002 -bulk-status "In Transit"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/mfaulds/waypost/internal/events"
	"github.com/mfaulds/waypost/internal/logging"
	"github.com/mfaulds/waypost/internal/portal/client"
	"github.com/mfaulds/waypost/internal/portal/notify"
	"github.com/mfaulds/waypost/internal/portal/reconcile"
	"github.com/mfaulds/waypost/internal/portal/selection"
	"github.com/mfaulds/waypost/internal/portal/updater"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8094", "portal server base URL")
	token := flag.String("token", "", "bearer token (optional in development)")
	subscribe := flag.String("subscribe", "", "comma-separated shipment IDs to watch")
	selectIDs := flag.String("select", "", "comma-separated shipment IDs to select for bulk actions")
	bulkStatus := flag.String("bulk-status", "", "apply this status to every selected shipment, then keep streaming")
	timestampOrder := flag.Bool("location-by-timestamp", false, "discard out-of-order location updates")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console"})

	if err := run(*serverURL, *token, *subscribe, *selectIDs, *bulkStatus, *timestampOrder); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func run(serverURL, token, subscribe, selectIDs, bulkStatus string, timestampOrder bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := notify.New(notify.WithRenderFunc(func() {}))
	defer queue.Stop()

	locationOrder := reconcile.LocationOrderArrival
	if timestampOrder {
		locationOrder = reconcile.LocationOrderTimestamp
	}

	rec := reconcile.New(reconcile.Config{LocationOrder: locationOrder}, reconcile.Hooks{
		RenderRow: func(row reconcile.Row) {
			fmt.Printf("row    %-10s %-18s %s\n", row.ShipmentID, row.Status, row.UpdatedAt.Format(time.RFC3339))
		},
		UpsertMarker: func(id string, loc events.Location) {
			fmt.Printf("marker %-10s %.4f,%.4f\n", id, loc.Lat, loc.Lng)
		},
		Emergency: func(alert events.EmergencyAlert) {
			id := queue.EnqueueEmergency(alert.ShipmentID, alert.AlertMessage, alert.Severity)
			fmt.Printf("MODAL  %-10s [%s] %s (ack id %s)\n", alert.ShipmentID, alert.Severity, alert.AlertMessage, id)
		},
		Notify: func(message, severity string) {
			queue.Enqueue(message, severity)
			fmt.Printf("notice [%s] %s\n", severity, message)
		},
		Display: func(eventType string, data json.RawMessage) {
			fmt.Printf("info   %s %s\n", eventType, string(data))
		},
	})
	sel := selection.New(nil)

	up := updater.New(updater.Config{BaseURL: serverURL, Token: token}, rec, sel, queue)

	// Hydrate before connecting so events land on current state.
	if err := up.Resync(ctx); err != nil {
		return fmt.Errorf("initial resync: %w", err)
	}
	rows := rec.Rows()
	fmt.Printf("hydrated %d shipments\n", len(rows))

	// Selection mirrors the rendered table, so sync it to the hydrated rows
	// before toggling. Unknown IDs are silently ignored, same as the portal.
	renderedIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		renderedIDs = append(renderedIDs, row.ShipmentID)
	}
	sel.Prune(renderedIDs)
	for _, id := range splitIDs(selectIDs) {
		sel.Toggle(id)
	}
	if bulkStatus != "" {
		resp, err := up.BulkUpdateStatus(ctx, bulkStatus, "")
		if err != nil {
			return fmt.Errorf("bulk status update: %w", err)
		}
		fmt.Printf("bulk update: %d ok, %d failed\n", resp.Successful, resp.Failed)
		for _, res := range resp.Results {
			if !res.Success {
				fmt.Printf("  %-10s %s\n", res.ShipmentID, res.Error)
			}
		}
	}

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/ws"
	ch, err := client.Dial(client.Config{URL: wsURL, Token: token})
	if err != nil {
		return err
	}
	defer ch.Close()

	ch.OnStateChange(func(s client.State) {
		fmt.Printf("## connection %s\n", s)
		if s == client.StateFailed {
			fmt.Println("## reconnect attempts exhausted; restart the console to recover")
			stop()
		}
	})
	for _, eventType := range []string{
		events.TypeShipmentUpdate,
		events.TypeLocationUpdate,
		events.TypeEmergencyAlert,
		events.TypeDriverStatusChange,
		events.TypeMobileUpdate,
	} {
		et := eventType
		ch.On(et, func(data json.RawMessage) {
			if err := rec.Apply(events.Envelope{Type: et, Data: data}); err != nil {
				logging.Warn().Err(err).Str("event_type", et).Msg("Apply failed")
			}
		})
	}

	for _, id := range splitIDs(subscribe) {
		if err := ch.Subscribe(id); err != nil {
			logging.Warn().Err(err).Str("shipment_id", id).Msg("Subscribe failed")
		} else {
			fmt.Printf("subscribed %s\n", id)
		}
	}

	<-ctx.Done()
	fmt.Println("\nshutting down")
	return nil
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			out = append(out, id)
		}
	}
	return out
}
