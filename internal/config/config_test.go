// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3877, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Scrobble.PauseDebounce)
	assert.Equal(t, 95.0, cfg.Scrobble.ForceStopAt)
	assert.Equal(t, 99.0, cfg.Scrobble.SuppressStartAt)
	assert.Equal(t, 8*time.Second, cfg.Scrobble.QuarantineWindow)
	assert.Equal(t, 5, cfg.Sinks.MDBList.ProgressStep)

	// Implicit default route
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "plex", cfg.Routes[0].Provider)
	assert.Equal(t, "trakt", cfg.Routes[0].Sink)
	assert.Equal(t, DefaultInstance, cfg.Routes[0].ProviderInstance)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
logging:
  level: debug
server:
  port: 9090
sinks:
  trakt:
    enabled: true
    client_id: abc
scrobble:
  pause_debounce: 10s
routes:
  - provider: emby
    sink: trakt
    usernames: ["alice", " bob "]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Scrobble.PauseDebounce)
	assert.True(t, cfg.Sinks.Trakt.Enabled)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "emby", cfg.Routes[0].Provider)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Routes[0].Usernames, "usernames trimmed")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("TRAKT_ENABLED", "true")
	t.Setenv("TRAKT_CLIENT_ID", "from-env")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Sinks.Trakt.Enabled)
	assert.Equal(t, "from-env", cfg.Sinks.Trakt.ClientID)
}

func TestUnmappedEnvIgnored(t *testing.T) {
	t.Setenv("PATH_LIKE_NOISE", "ignored")

	_, err := LoadFile("")
	require.NoError(t, err)
}

func TestValidateRejectsRouteToDisabledSink(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	cfg.Routes = []Route{{Provider: "plex", ProviderInstance: "default", Sink: "simkl", SinkInstance: "default"}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	cfg.Scrobble.SuppressStartAt = 90
	cfg.Scrobble.ForceStopAt = 95
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suppress_start_at")
}

func TestNormalizeRoutesLegacyTarget(t *testing.T) {
	tests := []struct {
		name         string
		in           Route
		wantProvider string
		wantSink     string
	}{
		{"sink only", Route{Target: "simkl"}, "plex", "simkl"},
		{"provider and sink", Route{Target: "emby:mdblist"}, "emby", "mdblist"},
		{"explicit fields win", Route{Target: "emby:mdblist", Provider: "jellyfin"}, "jellyfin", "mdblist"},
		{"empty gets defaults", Route{}, "plex", "trakt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRoutes([]Route{tt.in})
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantProvider, got[0].Provider)
			assert.Equal(t, tt.wantSink, got[0].Sink)
			assert.Equal(t, DefaultInstance, got[0].ProviderInstance)
			assert.Equal(t, DefaultInstance, got[0].SinkInstance)
			assert.Empty(t, got[0].Target, "legacy field cleared")
		})
	}
}

func TestNormalizeRoutesSkipsDisabled(t *testing.T) {
	off := false
	got := NormalizeRoutes([]Route{
		{ID: "main", Provider: "plex", Sink: "trakt"},
		{ID: "paused", Provider: "emby", Sink: "simkl", Enabled: &off},
	})

	require.Len(t, got, 1, "disabled routes drop out of the topology")
	assert.Equal(t, "main", got[0].ID)
}

func TestSinkThresholdDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 80.0, cfg.Sinks.Trakt.StopPauseThreshold)
	assert.Equal(t, 85.0, cfg.Sinks.Simkl.StopPauseThreshold)
	assert.Equal(t, 85.0, cfg.Sinks.MDBList.StopPauseThreshold)
}

func TestSinkThresholdOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
sinks:
  trakt:
    enabled: true
    client_id: abc
    stop_pause_threshold: 90
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 90.0, cfg.Sinks.Trakt.StopPauseThreshold)
	assert.Equal(t, 85.0, cfg.Sinks.Simkl.StopPauseThreshold, "other sinks keep their defaults")
}

func TestGroupKey(t *testing.T) {
	r := Route{Provider: "plex", ProviderInstance: "home"}
	assert.Equal(t, "plex/home", r.GroupKey())
}
