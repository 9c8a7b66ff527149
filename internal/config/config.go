// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package config defines the WatchRelay configuration model and its layered
// loading (defaults, YAML file, environment) via Koanf v2.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the relay.
type Config struct {
	Logging  LoggingConfig    `koanf:"logging"`
	Server   ServerConfig     `koanf:"server"`
	StateDir string           `koanf:"state_dir" validate:"required"`
	Plex     []PlexServer     `koanf:"plex"`
	Jellyfin []JellyfinServer `koanf:"jellyfin"`
	Emby     []EmbyServer     `koanf:"emby"`
	Sinks    SinksConfig      `koanf:"sinks"`
	Scrobble ScrobbleConfig   `koanf:"scrobble"`
	Routes   []Route          `koanf:"routes"`
}

// LoggingConfig mirrors logging.Config for the koanf layer.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig configures the webhook/metrics HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// WebhookSecret enables HMAC-SHA1 verification of Plex webhook payloads
	// when non-empty.
	WebhookSecret string `koanf:"webhook_secret"`

	// RateLimit is the per-IP request budget per minute for webhook intake.
	RateLimit int `koanf:"rate_limit" validate:"min=1"`

	// AllowedOrigins configures CORS for the status endpoints.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PlexServer configures one watched Plex instance.
type PlexServer struct {
	Name  string `koanf:"name"`
	URL   string `koanf:"url" validate:"required,url"`
	Token string `koanf:"token" validate:"required"`

	// ServerUUID pins events to a machine identifier; discovered from the
	// server when empty.
	ServerUUID string `koanf:"server_uuid"`
}

// JellyfinServer configures one watched Jellyfin instance.
type JellyfinServer struct {
	Name         string        `koanf:"name"`
	URL          string        `koanf:"url" validate:"required,url"`
	APIKey       string        `koanf:"api_key" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// EmbyServer configures one watched Emby instance.
type EmbyServer struct {
	Name         string        `koanf:"name"`
	URL          string        `koanf:"url" validate:"required,url"`
	APIKey       string        `koanf:"api_key" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval"`

	// ActiveWithinSeconds bounds the Emby /Sessions query to recently
	// active sessions.
	ActiveWithinSeconds int `koanf:"active_within_seconds"`
}

// SinksConfig holds per-sink credentials and behavior.
type SinksConfig struct {
	Trakt   TraktConfig   `koanf:"trakt"`
	Simkl   SimklConfig   `koanf:"simkl"`
	MDBList MDBListConfig `koanf:"mdblist"`
}

// TraktConfig configures the Trakt scrobble sink.
type TraktConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	AccessToken  string `koanf:"access_token"`
	RefreshToken string `koanf:"refresh_token"`

	// StopPauseThreshold is the watched cutoff in percent: stops below it
	// are demoted to pauses for this sink.
	StopPauseThreshold float64 `koanf:"stop_pause_threshold" validate:"omitempty,min=50,max=100"`

	// AutoRemoveWatchlist removes a finished item from the Trakt watchlist.
	AutoRemoveWatchlist bool `koanf:"auto_remove_watchlist"`
}

// SimklConfig configures the SIMKL scrobble sink.
type SimklConfig struct {
	Enabled             bool    `koanf:"enabled"`
	ClientID            string  `koanf:"client_id"`
	AccessToken         string  `koanf:"access_token"`
	StopPauseThreshold  float64 `koanf:"stop_pause_threshold" validate:"omitempty,min=50,max=100"`
	AutoRemoveWatchlist bool    `koanf:"auto_remove_watchlist"`
}

// MDBListConfig configures the MDBList sink.
type MDBListConfig struct {
	Enabled bool   `koanf:"enabled"`
	APIKey  string `koanf:"api_key"`

	// ProgressStep quantizes outgoing progress to multiples of this value.
	ProgressStep int `koanf:"progress_step" validate:"min=1,max=50"`

	StopPauseThreshold  float64 `koanf:"stop_pause_threshold" validate:"omitempty,min=50,max=100"`
	AutoRemoveWatchlist bool    `koanf:"auto_remove_watchlist"`
}

// ScrobbleConfig carries the reconciliation state machine knobs. The
// defaults are hand-tuned values carried over from years of scrobbler
// operation; change them only with care.
type ScrobbleConfig struct {
	// PauseDebounce suppresses repeated pauses inside this window.
	PauseDebounce time.Duration `koanf:"pause_debounce"`

	// StopGrace suppresses a second stop arriving this soon after one.
	StopGrace time.Duration `koanf:"stop_grace"`

	// RegressTolerancePercent is the allowed backward progress jitter
	// before the regression clamp engages.
	RegressTolerancePercent float64 `koanf:"regress_tolerance_percent" validate:"min=0,max=50"`

	// ForceStopAt promotes a stop at or above this progress to a
	// completion scrobble.
	ForceStopAt float64 `koanf:"force_stop_at" validate:"min=50,max=100"`

	// SuppressStartAt drops start events at or above this progress
	// (credits autoplay flicker).
	SuppressStartAt float64 `koanf:"suppress_start_at" validate:"min=50,max=100"`

	// QuarantineWindow holds a start for a different item arriving this
	// soon after a completion stop until the live session is re-probed.
	QuarantineWindow time.Duration `koanf:"quarantine_window"`

	// AutoRemoveTTL dedupes watchlist auto-removal per item.
	AutoRemoveTTL time.Duration `koanf:"auto_remove_ttl"`

	// WebhookDedupWindow is the idempotency window for double-posted
	// webhooks.
	WebhookDedupWindow time.Duration `koanf:"webhook_dedup_window"`

	// SnapshotPath is where the currently-watching snapshot is written;
	// relative paths resolve under StateDir.
	SnapshotPath string `koanf:"snapshot_path"`
}

// Route binds a provider instance to a sink instance with optional filters.
type Route struct {
	// ID labels the route in logs and status output; generated when empty.
	ID string `koanf:"id"`

	// Enabled gates the route without deleting it; nil means enabled.
	Enabled *bool `koanf:"enabled"`

	Provider         string   `koanf:"provider" validate:"omitempty,oneof=plex jellyfin emby"`
	ProviderInstance string   `koanf:"provider_instance"`
	Sink             string   `koanf:"sink" validate:"omitempty,oneof=trakt simkl mdblist"`
	SinkInstance     string   `koanf:"sink_instance"`
	Usernames        []string `koanf:"usernames"`
	ServerUUID       string   `koanf:"server_uuid"`

	// Legacy single-field form ("plex:trakt"); migrated at load time.
	Target string `koanf:"target"`
}

// defaultConfig returns the built-in defaults, layered under file and env.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      3877,
			RateLimit: 120,
		},
		StateDir: "./data",
		Sinks: SinksConfig{
			Trakt:   TraktConfig{StopPauseThreshold: 80},
			Simkl:   SimklConfig{StopPauseThreshold: 85},
			MDBList: MDBListConfig{ProgressStep: 5, StopPauseThreshold: 85},
		},
		Scrobble: ScrobbleConfig{
			PauseDebounce:           5 * time.Second,
			StopGrace:               2 * time.Second,
			RegressTolerancePercent: 5,
			ForceStopAt:             95,
			SuppressStartAt:         99,
			QuarantineWindow:        8 * time.Second,
			AutoRemoveTTL:           120 * time.Second,
			WebhookDedupWindow:      time.Second,
			SnapshotPath:            "currently_watching.json",
		},
	}
}

// Validate checks structural constraints via go-playground/validator plus
// cross-field rules the tag language cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Scrobble.SuppressStartAt < c.Scrobble.ForceStopAt {
		return fmt.Errorf("scrobble.suppress_start_at (%v) must be >= scrobble.force_stop_at (%v)",
			c.Scrobble.SuppressStartAt, c.Scrobble.ForceStopAt)
	}

	for i, r := range c.Routes {
		if r.Sink != "" {
			if err := c.sinkConfigured(r.Sink); err != nil {
				return fmt.Errorf("routes[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func (c *Config) sinkConfigured(name string) error {
	switch name {
	case "trakt":
		if !c.Sinks.Trakt.Enabled {
			return fmt.Errorf("route targets sink %q but it is not enabled", name)
		}
	case "simkl":
		if !c.Sinks.Simkl.Enabled {
			return fmt.Errorf("route targets sink %q but it is not enabled", name)
		}
	case "mdblist":
		if !c.Sinks.MDBList.Enabled {
			return fmt.Errorf("route targets sink %q but it is not enabled", name)
		}
	}
	return nil
}
