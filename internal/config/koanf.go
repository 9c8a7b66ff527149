// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/watchrelay/watchrelay/internal/logging"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "WATCHRELAY_CONFIG"

// defaultConfigPaths are checked in order when no explicit path is given.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/watchrelay/config.yaml",
}

// Load builds the configuration from layered sources, highest priority last:
//
//  1. Built-in defaults (structs provider)
//  2. YAML config file (file provider), if found
//  3. Environment variables (env provider with explicit key mapping)
//
// The merged result is unmarshaled, route legacy fields are migrated, and
// the whole config is validated.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile loads configuration with an explicit config file path. An empty
// path skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		logging.Debug().Str("path", path).Msg("Loaded config file")
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Routes = NormalizeRoutes(cfg.Routes)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		logging.Warn().Str("path", envPath).Msg("Config path from environment does not exist")
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are dropped so unrelated environment noise never
// leaks into the config tree.
//
// Examples:
//   - TRAKT_CLIENT_ID    -> sinks.trakt.client_id
//   - WEBHOOK_SECRET     -> server.webhook_secret
//   - LOG_LEVEL          -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// HTTP listener
		"http_host":       "server.host",
		"http_port":       "server.port",
		"webhook_secret":  "server.webhook_secret",
		"http_rate_limit": "server.rate_limit",

		// State
		"state_dir": "state_dir",

		// Trakt sink
		"trakt_enabled":       "sinks.trakt.enabled",
		"trakt_client_id":     "sinks.trakt.client_id",
		"trakt_client_secret": "sinks.trakt.client_secret",
		"trakt_access_token":  "sinks.trakt.access_token",
		"trakt_refresh_token": "sinks.trakt.refresh_token",
		"trakt_auto_remove":   "sinks.trakt.auto_remove_watchlist",

		// SIMKL sink
		"simkl_enabled":      "sinks.simkl.enabled",
		"simkl_client_id":    "sinks.simkl.client_id",
		"simkl_access_token": "sinks.simkl.access_token",
		"simkl_auto_remove":  "sinks.simkl.auto_remove_watchlist",

		// MDBList sink
		"mdblist_enabled":       "sinks.mdblist.enabled",
		"mdblist_api_key":       "sinks.mdblist.api_key",
		"mdblist_progress_step": "sinks.mdblist.progress_step",
		"mdblist_auto_remove":   "sinks.mdblist.auto_remove_watchlist",

		// Scrobble tuning
		"scrobble_pause_debounce":    "scrobble.pause_debounce",
		"scrobble_stop_grace":        "scrobble.stop_grace",
		"scrobble_regress_tolerance": "scrobble.regress_tolerance_percent",
		"scrobble_force_stop_at":     "scrobble.force_stop_at",
		"scrobble_suppress_start_at": "scrobble.suppress_start_at",
		"scrobble_quarantine_window": "scrobble.quarantine_window",
		"scrobble_auto_remove_ttl":   "scrobble.auto_remove_ttl",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return "" // drop unmapped variables
}
