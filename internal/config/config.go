// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package config loads layered configuration for the portal server:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the portal server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Channel  ChannelConfig  `koanf:"channel"`
	NATS     NATSConfig     `koanf:"nats"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
	Bus      BusConfig      `koanf:"bus"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"` // development or production
}

// ChannelConfig holds event channel tuning.
type ChannelConfig struct {
	// SessionBuffer is the per-session send buffer; a session that falls
	// this many events behind is evicted.
	SessionBuffer int `koanf:"session_buffer"`
}

// NATSConfig holds the mobile tracking ingest settings. The mobile driver
// app bridge publishes tracking documents on `tracking.>` subjects.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`

	// Location pings are lossy by contract; excess updates per shipment
	// beyond this rate are discarded.
	LocationRatePerSec float64 `koanf:"location_rate_per_sec"`
	LocationBurst      int     `koanf:"location_burst"`
}

// SnapshotConfig holds the Badger-backed read-model store settings.
type SnapshotConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// BusConfig holds the in-process event bus settings.
type BusConfig struct {
	BufferSize int `koanf:"buffer_size"`
}

// SecurityConfig holds session identity and API hardening settings.
// Authentication itself is delegated to an external identity provider; the
// server only verifies the session token it issued.
type SecurityConfig struct {
	JWTSecret         string        `koanf:"jwt_secret"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate checks configuration invariants. Called after loading.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.Environment != "development" && c.Server.Environment != "production" {
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}
	if c.IsProduction() && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required in production")
	}
	if c.Channel.SessionBuffer < 1 {
		return fmt.Errorf("channel.session_buffer must be positive, got %d", c.Channel.SessionBuffer)
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled=true and nats.embedded=false")
	}
	if !c.Snapshot.InMemory && c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required unless snapshot.in_memory=true")
	}
	return nil
}
