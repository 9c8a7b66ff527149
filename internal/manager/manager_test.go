// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/pipeline"
)

func testConfig() *config.Config {
	return &config.Config{
		StateDir: "./data",
		Plex: []config.PlexServer{
			{Name: "default", URL: "http://plex.local:32400", Token: "tok", ServerUUID: "srv-1"},
		},
		Sinks: config.SinksConfig{
			Trakt: config.TraktConfig{Enabled: true, ClientID: "cid", AccessToken: "tok"},
			Simkl: config.SimklConfig{Enabled: true, ClientID: "cid"},
		},
		Scrobble: config.ScrobbleConfig{
			PauseDebounce:           5 * time.Second,
			StopGrace:               2 * time.Second,
			RegressTolerancePercent: 5,
			ForceStopAt:             95,
			SuppressStartAt:         99,
			QuarantineWindow:        8 * time.Second,
			AutoRemoveTTL:           120 * time.Second,
			WebhookDedupWindow:      time.Second,
		},
		Routes: config.NormalizeRoutes([]config.Route{
			{Provider: "plex", Sink: "trakt"},
			{Provider: "plex", Sink: "simkl", Usernames: []string{"alice"}},
		}),
	}
}

func TestNewGroupsRoutesByProviderInstance(t *testing.T) {
	m, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	status := m.Status()
	require.Len(t, status, 1, "both routes share one plex/default group")
	g := status[0]
	assert.Equal(t, "plex/default", g.Group)
	assert.True(t, g.Watcher)
	assert.Equal(t, []string{
		"plex/default->trakt/default",
		"plex/default->simkl/default",
	}, g.Routes)

	require.Len(t, m.Services(), 1)
	assert.Equal(t, "plex/default", m.Services()[0].Name())
}

func TestNewWebhookOnlyGroup(t *testing.T) {
	cfg := testConfig()
	cfg.Plex = nil

	m, err := New(cfg, nil, nil)
	require.NoError(t, err)

	status := m.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Watcher, "no server credentials means webhook intake only")
	assert.Empty(t, m.Services())
}

func TestNewSeparateInstancesSeparateGroups(t *testing.T) {
	cfg := testConfig()
	cfg.Plex = append(cfg.Plex, config.PlexServer{
		Name: "den", URL: "http://den.local:32400", Token: "tok2",
	})
	cfg.Routes = config.NormalizeRoutes([]config.Route{
		{Provider: "plex", ProviderInstance: "default", Sink: "trakt"},
		{Provider: "plex", ProviderInstance: "den", Sink: "simkl"},
	})

	m, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, m.Status(), 2)
	assert.Len(t, m.Services(), 2)
}

func TestNewRejectsUnconfiguredSink(t *testing.T) {
	cfg := testConfig()
	cfg.Sinks.Simkl.Enabled = false

	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sink "simkl"`)
}

func TestDispatchAppliesRouteFilters(t *testing.T) {
	m, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	// Invalid media type stops at the reconciler for the unfiltered route
	// and at the filter for the username-restricted one; either way both
	// routes report without touching the network.
	ev := &models.ScrobbleEvent{
		Action:    models.ActionStart,
		MediaType: "track",
		Account:   "mallory",
		Source:    "webhook",
	}
	outcomes := m.Dispatch(context.Background(), ev)
	require.Len(t, outcomes, 2)
	assert.Equal(t, pipeline.DecisionIgnored, outcomes[0].Decision)
	assert.Equal(t, pipeline.DecisionIgnored, outcomes[1].Decision)
	assert.Equal(t, "trakt", outcomes[0].Sink)
	assert.Equal(t, "simkl", outcomes[1].Sink)
}
