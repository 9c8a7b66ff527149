// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package watch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/models"
)

func testScrobbleConfig() config.ScrobbleConfig {
	return config.ScrobbleConfig{StopGrace: 2 * time.Second, ForceStopAt: 95}
}

// collector gathers emitted events for assertion.
type collector struct {
	events []*models.ScrobbleEvent
}

func (c *collector) handle(ev *models.ScrobbleEvent) {
	c.events = append(c.events, ev)
}

func (c *collector) actions() []models.Action {
	out := make([]models.Action, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Action
	}
	return out
}

func TestPlexStateAction(t *testing.T) {
	cases := []struct {
		state  string
		action models.Action
		ok     bool
	}{
		{"playing", models.ActionStart, true},
		{"paused", models.ActionPause, true},
		{"stopped", models.ActionStop, true},
		{"buffering", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		action, ok := plexStateAction(tc.state)
		assert.Equal(t, tc.ok, ok, tc.state)
		assert.Equal(t, tc.action, action, tc.state)
	}
}

func TestBuildPlexEventMovie(t *testing.T) {
	item := &models.PlexSessionItem{
		SessionKey: "42",
		Type:       "movie",
		Title:      "Heat",
		Year:       1995,
		Duration:   10_200_000,
		GuidList: []models.PlexGuid{
			{ID: "imdb://tt0113277"},
			{ID: "tmdb://949"},
		},
		User: &models.PlexSessionUser{Title: "alice"},
	}

	ev := BuildPlexEvent(item, models.ActionStart, "srv-1", 5_100_000)
	require.NotNil(t, ev)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, models.MediaMovie, ev.MediaType)
	assert.Equal(t, "tt0113277", ev.IDs["imdb"])
	assert.Equal(t, "949", ev.IDs["tmdb"])
	assert.Equal(t, "alice", ev.Account)
	assert.Equal(t, "srv-1", ev.ServerUUID)
	assert.Equal(t, "42", ev.SessionKey)
	assert.Equal(t, "plex", ev.Source)
	assert.InDelta(t, 50.0, ev.Progress, 0.01)
}

func TestBuildPlexEventEpisodeMergesShowIDs(t *testing.T) {
	item := &models.PlexSessionItem{
		SessionKey:       "7",
		Type:             "episode",
		Title:            "Winter Is Coming",
		GrandparentTitle: "Game of Thrones",
		ParentIndex:      1,
		Index:            1,
		Guid:             "imdb://tt1480055",
		GrandparentGuid:  "com.plexapp.agents.thetvdb://121361?lang=en",
		Duration:         3_600_000,
	}

	ev := BuildPlexEvent(item, models.ActionStop, "srv-1", 3_500_000)
	require.NotNil(t, ev)

	assert.Equal(t, models.MediaEpisode, ev.MediaType)
	assert.Equal(t, "Game of Thrones", ev.Title, "episode events carry the show title")
	assert.Equal(t, "tt1480055", ev.IDs["imdb"])
	assert.Equal(t, "121361", ev.IDs["tvdb_show"])
	assert.Equal(t, 1, ev.Season)
	assert.Equal(t, 1, ev.Episode)
}

func TestBuildPlexEventIgnoresNonVideo(t *testing.T) {
	assert.Nil(t, BuildPlexEvent(&models.PlexSessionItem{Type: "track"}, models.ActionStart, "srv-1", 0))
}

func TestReconcileViewOffset(t *testing.T) {
	item := &models.PlexSessionItem{ViewOffset: 5_000_000, Duration: 10_000_000}

	// Close agreement: the alert's fresher position wins.
	assert.Equal(t, int64(5_200_000), reconcileViewOffset(5_200_000, item))
	// Large disagreement: the live session wins.
	assert.Equal(t, int64(5_000_000), reconcileViewOffset(100_000, item))
	// No live position to compare against: alert stands.
	assert.Equal(t, int64(100_000), reconcileViewOffset(100_000, &models.PlexSessionItem{Duration: 10_000_000}))
}

func TestBuildPlexEventNegativeOffsetUsesSessionPosition(t *testing.T) {
	item := &models.PlexSessionItem{
		Type:       "movie",
		Title:      "Heat",
		ViewOffset: 2_550_000,
		Duration:   10_200_000,
	}
	ev := BuildPlexEvent(item, models.ActionStart, "srv-1", -1)
	require.NotNil(t, ev)
	assert.InDelta(t, 25.0, ev.Progress, 0.01)
}

func jellyfinSession(id string, position, runtime int64, paused bool) models.JellyfinSession {
	return models.JellyfinSession{
		ID:       id,
		UserName: "alice",
		ServerID: "jf-1",
		NowPlayingItem: &models.JellyfinNowPlayingItem{
			ID:             "item-1",
			Name:           "Heat",
			Type:           "Movie",
			ProductionYear: 1995,
			RunTimeTicks:   runtime,
			ProviderIds:    map[string]string{"Imdb": "tt0113277"},
		},
		PlayState: &models.JellyfinPlayState{PositionTicks: position, IsPaused: paused},
	}
}

func TestJellyfinWatcherTransitions(t *testing.T) {
	c := &collector{}
	w := NewJellyfinWatcher(config.JellyfinServer{Name: "jf"}, testScrobbleConfig(), c.handle)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	const runtime = int64(60_000_000_000) // 100 minutes in ticks

	// New session: start.
	w.apply([]models.JellyfinSession{jellyfinSession("s1", 0, runtime, false)})
	// Unchanged within the emit delta: nothing.
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime / 100, runtime, false)})
	// Pause flag flips: pause.
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime/10, runtime, true)})
	// Resume: start.
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime/10, runtime, false)})
	// Progress advanced past the delta: progress update as start.
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime/2, runtime, false)})
	// Session gone: no stop until it stays gone past the grace.
	w.apply(nil)
	require.Len(t, c.events, 4, "first missing poll starts the grace, no stop yet")
	now = now.Add(3 * time.Second)
	w.apply(nil)

	require.Equal(t, []models.Action{
		models.ActionStart,
		models.ActionPause,
		models.ActionStart,
		models.ActionStart,
		models.ActionStop,
	}, c.actions())

	stop := c.events[len(c.events)-1]
	assert.InDelta(t, 50.0, stop.Progress, 0.01, "synthetic stop carries last seen progress")
	assert.Equal(t, "alice", stop.Account)
	assert.Equal(t, "jellyfin", stop.Source)
	assert.NotEmpty(t, stop.ID)
}

func TestJellyfinWatcherTransientGapNoStop(t *testing.T) {
	c := &collector{}
	w := NewJellyfinWatcher(config.JellyfinServer{Name: "jf"}, testScrobbleConfig(), c.handle)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	const runtime = int64(60_000_000_000)
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime/2, runtime, false)})

	// One-poll API blip, then the session is back: no synthetic stop.
	w.apply(nil)
	now = now.Add(time.Second)
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime/2, runtime, false)})
	now = now.Add(5 * time.Second)
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime*55/100, runtime, false)})

	for _, ev := range c.events {
		assert.NotEqual(t, models.ActionStop, ev.Action, "blip must not fabricate a stop")
	}
}

func TestJellyfinWatcherVanishNearEndStopsImmediately(t *testing.T) {
	c := &collector{}
	w := NewJellyfinWatcher(config.JellyfinServer{Name: "jf"}, testScrobbleConfig(), c.handle)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	const runtime = int64(60_000_000_000)
	w.apply([]models.JellyfinSession{jellyfinSession("s1", runtime*96/100, runtime, false)})
	w.apply(nil)

	actions := c.actions()
	require.Equal(t, []models.Action{models.ActionStart, models.ActionStop}, actions,
		"a vanish past the completion threshold is a real finish")
	assert.InDelta(t, 96.0, c.events[1].Progress, 0.01)
}

func TestJellyfinWatcherItemSwap(t *testing.T) {
	c := &collector{}
	w := NewJellyfinWatcher(config.JellyfinServer{Name: "jf"}, testScrobbleConfig(), c.handle)

	const runtime = int64(60_000_000_000)
	s := jellyfinSession("s1", runtime*95/100, runtime, false)
	w.apply([]models.JellyfinSession{s})

	// Autoplay swapped the item inside the same session.
	next := jellyfinSession("s1", 0, runtime, false)
	next.NowPlayingItem.ID = "item-2"
	next.NowPlayingItem.Name = "Heat 2"
	w.apply([]models.JellyfinSession{next})

	require.Equal(t, []models.Action{
		models.ActionStart,
		models.ActionStop,
		models.ActionStart,
	}, c.actions())

	assert.Equal(t, "Heat", c.events[1].Title, "stop is for the old item")
	assert.InDelta(t, 95.0, c.events[1].Progress, 0.01)
	assert.Equal(t, "Heat 2", c.events[2].Title)
}

func TestBuildJellyfinEventEpisode(t *testing.T) {
	s := &models.JellyfinSession{
		ID:       "s9",
		UserName: "bob",
		ServerID: "jf-1",
		NowPlayingItem: &models.JellyfinNowPlayingItem{
			ID:                "ep-1",
			Name:              "Winter Is Coming",
			Type:              "Episode",
			SeriesName:        "Game of Thrones",
			ParentIndexNumber: 1,
			IndexNumber:       1,
			RunTimeTicks:      36_000_000_000,
			ProviderIds:       map[string]string{"Imdb": "tt1480055"},
			SeriesProviderIds: map[string]string{"Tvdb": "121361", "Imdb": "tt0944947"},
		},
		PlayState: &models.JellyfinPlayState{},
	}

	ev := buildJellyfinEvent(s)
	require.NotNil(t, ev)
	assert.Equal(t, "Game of Thrones", ev.Title)
	assert.Equal(t, "tt1480055", ev.IDs["imdb"])
	assert.Equal(t, "tt0944947", ev.IDs["imdb_show"])
	assert.Equal(t, "121361", ev.IDs["tvdb_show"])
	assert.Equal(t, int64(3_600_000), ev.DurationMS)
}

func embySession(id, itemID string, position, runtime int64, paused bool) models.EmbySession {
	return models.EmbySession{
		ID:       id,
		UserName: "carol",
		ServerID: "em-1",
		NowPlayingItem: &models.EmbyNowPlayingItem{
			ID:           itemID,
			Name:         "News Hour",
			Type:         "Movie",
			RunTimeTicks: runtime,
			ProviderIds:  map[string]string{"Imdb": "tt0113277"},
		},
		PlayState: &models.EmbyPlayState{PositionTicks: position, IsPaused: paused},
	}
}

func TestEmbyWatcherRuntimeFlipIsItemSwap(t *testing.T) {
	c := &collector{}
	w := NewEmbyWatcher(config.EmbyServer{Name: "em"}, testScrobbleConfig(), c.handle)

	const runtime = int64(18_000_000_000)
	w.apply([]models.EmbySession{embySession("s1", "live-1", runtime/2, runtime, false)})

	// Same item id, different runtime: live TV moved to the next program.
	w.apply([]models.EmbySession{embySession("s1", "live-1", 0, runtime*2, false)})

	require.Equal(t, []models.Action{
		models.ActionStart,
		models.ActionStop,
		models.ActionStart,
	}, c.actions())
}

func TestEmbyWatcherPauseAndDisappear(t *testing.T) {
	c := &collector{}
	w := NewEmbyWatcher(config.EmbyServer{Name: "em"}, testScrobbleConfig(), c.handle)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	const runtime = int64(18_000_000_000)
	w.apply([]models.EmbySession{embySession("s1", "m1", 0, runtime, false)})
	w.apply([]models.EmbySession{embySession("s1", "m1", runtime/4, runtime, true)})

	// Disappearance only stops after the grace; the fast Emby poll makes
	// one-poll gaps routine.
	w.apply(nil)
	require.Len(t, c.events, 2)
	now = now.Add(3 * time.Second)
	w.apply(nil)

	require.Equal(t, []models.Action{
		models.ActionStart,
		models.ActionPause,
		models.ActionStop,
	}, c.actions())
	assert.Equal(t, "emby", c.events[0].Source)
	assert.InDelta(t, 25.0, c.events[2].Progress, 0.01)
}

func TestPlexWatcherProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status/sessions", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Plex-Token"))
		_ = json.NewEncoder(w).Encode(models.PlexSessionsResponse{
			MediaContainer: models.PlexSessionContainer{
				Size: 1,
				Metadata: []models.PlexSessionItem{{
					SessionKey: "42",
					Type:       "movie",
					Title:      "Heat",
					GuidList:   []models.PlexGuid{{ID: "imdb://tt0113277"}},
					Duration:   10_200_000,
					ViewOffset: 100_000,
					Player:     &models.PlexSessionPlayer{State: "playing"},
				}},
			},
		})
	}))
	defer srv.Close()

	w := NewPlexWatcher(config.PlexServer{Name: "plex", URL: srv.URL, Token: "tok"}, func(*models.ScrobbleEvent) {})

	playing := &models.ScrobbleEvent{
		MediaType: models.MediaMovie,
		IDs:       models.IDs{"imdb": "tt0113277"},
	}
	ok, err := w.Probe(context.Background(), playing)
	require.NoError(t, err)
	assert.True(t, ok)

	other := &models.ScrobbleEvent{
		MediaType: models.MediaMovie,
		IDs:       models.IDs{"imdb": "tt0120737"},
	}
	ok, err = w.Probe(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJellyfinWatcherProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Sessions", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Emby-Token"))
		_ = json.NewEncoder(w).Encode([]models.JellyfinSession{
			jellyfinSession("s1", 1_000_000, 60_000_000_000, false),
		})
	}))
	defer srv.Close()

	w := NewJellyfinWatcher(config.JellyfinServer{Name: "jf", URL: srv.URL, APIKey: "key"}, testScrobbleConfig(), func(*models.ScrobbleEvent) {})

	ok, err := w.Probe(context.Background(), &models.ScrobbleEvent{
		MediaType: models.MediaMovie,
		IDs:       models.IDs{"imdb": "tt0113277"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlexWebsocketURL(t *testing.T) {
	w := NewPlexWatcher(config.PlexServer{URL: "https://plex.local:32400", Token: "secret"}, nil)
	u, err := w.websocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://plex.local:32400/:/websockets/notifications?X-Plex-Token=secret", u)

	w = NewPlexWatcher(config.PlexServer{URL: "ftp://nope"}, nil)
	_, err = w.websocketURL()
	assert.Error(t, err)
}
