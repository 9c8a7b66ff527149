// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package models

// Jellyfin Session Models
// Structures for GET /Sessions responses and the Jellyfin webhook plugin.
// API Reference: https://api.jellyfin.org/

// JellyfinSession is one entry from GET /Sessions.
type JellyfinSession struct {
	ID             string                  `json:"Id"`
	UserID         string                  `json:"UserId,omitempty"`
	UserName       string                  `json:"UserName,omitempty"`
	Client         string                  `json:"Client,omitempty"`
	DeviceID       string                  `json:"DeviceId,omitempty"`
	DeviceName     string                  `json:"DeviceName,omitempty"`
	ServerID       string                  `json:"ServerId,omitempty"`
	NowPlayingItem *JellyfinNowPlayingItem `json:"NowPlayingItem,omitempty"`
	PlayState      *JellyfinPlayState      `json:"PlayState,omitempty"`
}

// JellyfinNowPlayingItem is the media item of an active session.
// RunTimeTicks and PositionTicks are in 100ns ticks (10,000 per millisecond).
type JellyfinNowPlayingItem struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"` // "Movie", "Episode"
	SeriesName        string            `json:"SeriesName,omitempty"`
	SeasonName        string            `json:"SeasonName,omitempty"`
	ParentIndexNumber int               `json:"ParentIndexNumber,omitempty"` // season
	IndexNumber       int               `json:"IndexNumber,omitempty"`       // episode
	ProductionYear    int               `json:"ProductionYear,omitempty"`
	RunTimeTicks      int64             `json:"RunTimeTicks,omitempty"`
	ProviderIds       map[string]string `json:"ProviderIds,omitempty"` // "Imdb", "Tmdb", "Tvdb"
	SeriesProviderIds map[string]string `json:"SeriesProviderIds,omitempty"`
}

// JellyfinPlayState carries live playback position and pause state.
type JellyfinPlayState struct {
	PositionTicks int64  `json:"PositionTicks,omitempty"`
	IsPaused      bool   `json:"IsPaused,omitempty"`
	PlayMethod    string `json:"PlayMethod,omitempty"`
}

// NormalizedIDs lowercases the Jellyfin provider id keys into the canonical
// id map ("Imdb" -> "imdb").
func (i *JellyfinNowPlayingItem) NormalizedIDs() IDs {
	return normalizeProviderIDs(i.ProviderIds)
}

// NormalizedSeriesIDs returns the series-level ids of an episode.
func (i *JellyfinNowPlayingItem) NormalizedSeriesIDs() IDs {
	return normalizeProviderIDs(i.SeriesProviderIds)
}

func normalizeProviderIDs(provider map[string]string) IDs {
	ids := IDs{}
	for k, v := range provider {
		if v == "" {
			continue
		}
		switch k {
		case "Imdb", "imdb":
			ids["imdb"] = v
		case "Tmdb", "tmdb":
			ids["tmdb"] = v
		case "Tvdb", "tvdb":
			ids["tvdb"] = v
		}
	}
	return ids
}

// JellyfinWebhookPayload is the flat JSON emitted by the Jellyfin webhook
// plugin's default template for playback notifications.
type JellyfinWebhookPayload struct {
	NotificationType  string `json:"NotificationType"` // PlaybackStart, PlaybackProgress, PlaybackStop
	ServerID          string `json:"ServerId,omitempty"`
	ServerName        string `json:"ServerName,omitempty"`
	UserID            string `json:"UserId,omitempty"`
	NotificationUser  string `json:"NotificationUsername,omitempty"`
	ItemID            string `json:"ItemId,omitempty"`
	ItemType          string `json:"ItemType,omitempty"` // "Movie", "Episode"
	Name              string `json:"Name,omitempty"`
	SeriesName        string `json:"SeriesName,omitempty"`
	SeasonNumber      int    `json:"SeasonNumber,omitempty"`
	EpisodeNumber     int    `json:"EpisodeNumber,omitempty"`
	Year              int    `json:"Year,omitempty"`
	RunTimeTicks      int64  `json:"RunTimeTicks,omitempty"`
	PlaybackPositionTicks int64 `json:"PlaybackPositionTicks,omitempty"`
	IsPaused          bool   `json:"IsPaused,omitempty"`
	PlayedToCompletion bool  `json:"PlayedToCompletion,omitempty"`
	ImdbID            string `json:"Provider_imdb,omitempty"`
	TmdbID            string `json:"Provider_tmdb,omitempty"`
	TvdbID            string `json:"Provider_tvdb,omitempty"`
}

// ProviderIDs collects the webhook's flattened provider fields into an id map.
func (p *JellyfinWebhookPayload) ProviderIDs() IDs {
	ids := IDs{}
	if p.ImdbID != "" {
		ids["imdb"] = p.ImdbID
	}
	if p.TmdbID != "" {
		ids["tmdb"] = p.TmdbID
	}
	if p.TvdbID != "" {
		ids["tvdb"] = p.TvdbID
	}
	return ids
}
