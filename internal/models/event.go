// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package models defines the canonical scrobble event and the provider
// payload shapes (Plex, Jellyfin, Emby) that are normalized into it.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Action is the normalized playback action carried by a ScrobbleEvent.
type Action string

// Normalized playback actions.
const (
	ActionStart Action = "start"
	ActionPause Action = "pause"
	ActionStop  Action = "stop"
)

// Valid reports whether the action is one of the three normalized actions.
func (a Action) Valid() bool {
	return a == ActionStart || a == ActionPause || a == ActionStop
}

// MediaType is the normalized media classification.
type MediaType string

// Normalized media types. Anything else (track, photo, live TV) is ignored
// upstream before an event is built.
const (
	MediaMovie   MediaType = "movie"
	MediaEpisode MediaType = "episode"
)

// IDs maps external id providers to their values, e.g. {"imdb": "tt0120737",
// "tmdb": "120"}. Episode events additionally carry show-level ids under
// "_show"-suffixed keys ("imdb_show", "tmdb_show", "tvdb_show").
type IDs map[string]string

// Clone returns a copy of the id map. A nil receiver yields an empty map.
func (ids IDs) Clone() IDs {
	out := make(IDs, len(ids))
	for k, v := range ids {
		out[k] = v
	}
	return out
}

// ShowIDs returns the show-level ids of an episode event with the "_show"
// suffix stripped, so they can be used as a standalone id set for the series.
func (ids IDs) ShowIDs() IDs {
	out := IDs{}
	for k, v := range ids {
		if name, ok := strings.CutSuffix(k, "_show"); ok && v != "" {
			out[name] = v
		}
	}
	return out
}

// ScrobbleEvent is the canonical, provider-independent playback event that
// flows through the dispatcher, the reconciler, and the sinks.
type ScrobbleEvent struct {
	// ID is a generated correlation id, unique per decoded event.
	ID string `json:"id,omitempty"`

	Action    Action    `json:"action"`
	MediaType MediaType `json:"media_type"`

	// IDs holds external ids (imdb/tmdb/tvdb/slug, plus _show-suffixed
	// parent ids for episodes).
	IDs IDs `json:"ids"`

	Title   string `json:"title,omitempty"`
	Year    int    `json:"year,omitempty"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`

	// Progress is the playback position as a percentage in [0,100].
	Progress float64 `json:"progress"`

	// DurationMS is the item runtime in milliseconds, 0 when unknown.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Account is the media-server username the session belongs to.
	Account string `json:"account,omitempty"`

	// AccountID and AccountUUID are the provider's identifiers for the
	// account, when the payload carries them. Filters can pin on these
	// instead of the display name.
	AccountID   string `json:"account_id,omitempty"`
	AccountUUID string `json:"account_uuid,omitempty"`

	// ServerUUID identifies the originating media server instance.
	ServerUUID string `json:"server_uuid,omitempty"`

	// SessionKey identifies the playback session on the server.
	SessionKey string `json:"session_key,omitempty"`

	// Source names the adapter that produced the event (plex, jellyfin,
	// emby, webhook).
	Source string `json:"source,omitempty"`

	// Cover is an optional artwork URL used by the watching snapshot.
	Cover string `json:"cover,omitempty"`

	// ReceivedAt is when the adapter decoded the event.
	ReceivedAt time.Time `json:"received_at,omitempty"`

	// Raw preserves the provider payload for debugging; never sent to sinks.
	Raw map[string]any `json:"-"`
}

// ItemKey returns a stable identity for the media item, preferring external
// ids over title/year. Two events with the same ItemKey refer to the same
// movie or episode.
func (e *ScrobbleEvent) ItemKey() string {
	for _, provider := range []string{"imdb", "tmdb", "tvdb", "slug"} {
		if v := e.IDs[provider]; v != "" {
			if e.MediaType == MediaEpisode {
				return fmt.Sprintf("%s:%s:s%02de%02d", provider, v, e.Season, e.Episode)
			}
			return provider + ":" + v
		}
	}
	if e.MediaType == MediaEpisode {
		return fmt.Sprintf("title:%s:%d:s%02de%02d", strings.ToLower(e.Title), e.Year, e.Season, e.Episode)
	}
	return fmt.Sprintf("title:%s:%d", strings.ToLower(e.Title), e.Year)
}

// SessionID returns the reconciler state key: one state machine per
// (server, session, item) triple.
func (e *ScrobbleEvent) SessionID() string {
	return e.ServerUUID + "|" + e.SessionKey + "|" + e.ItemKey()
}

// ClampProgress bounds a raw progress percentage to [0,100]. Unknown or
// negative values collapse to 0.
func ClampProgress(p float64) float64 {
	if p < 0 || p != p { // NaN guard
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ProgressFromTicks converts a playback position and runtime (both in the
// same unit) to a percentage. A zero or negative runtime yields 0.
func ProgressFromTicks(position, runtime int64) float64 {
	if runtime <= 0 {
		return 0
	}
	return ClampProgress(float64(position) / float64(runtime) * 100)
}
