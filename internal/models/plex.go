// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package models

// Plex WebSocket Notification Models
// These structures represent real-time notifications from Plex Media Server's
// WebSocket endpoint: ws://{plex_url}/:/websockets/notifications

// PlexNotificationWrapper wraps the top-level notification container.
type PlexNotificationWrapper struct {
	NotificationContainer PlexNotificationContainer `json:"NotificationContainer"`
}

// PlexNotificationContainer wraps all notification types from the Plex WebSocket.
// Only "playing" notifications are consumed; the rest are ignored.
type PlexNotificationContainer struct {
	Type                         string                    `json:"type"` // "playing", "timeline", "activity", ...
	Size                         int                       `json:"size,omitempty"`
	PlaySessionStateNotification []PlexPlayingNotification `json:"PlaySessionStateNotification,omitempty"`
}

// PlexPlayingNotification represents a real-time playback state change.
// These alerts are sparse (no title, no GUIDs, no account) and are enriched
// from /status/sessions before an event is emitted.
type PlexPlayingNotification struct {
	SessionKey       string `json:"sessionKey"`
	ClientIdentifier string `json:"clientIdentifier"`
	State            string `json:"state"` // "playing", "paused", "stopped", "buffering"
	RatingKey        string `json:"ratingKey"`
	ViewOffset       int64  `json:"viewOffset"` // current position, milliseconds
	Key              string `json:"key,omitempty"`
	Guid             string `json:"guid,omitempty"`
}

// PlexSessionsResponse is the envelope of GET /status/sessions.
type PlexSessionsResponse struct {
	MediaContainer PlexSessionContainer `json:"MediaContainer"`
}

// PlexSessionContainer holds the live playback sessions.
type PlexSessionContainer struct {
	Size     int               `json:"size"`
	Metadata []PlexSessionItem `json:"Metadata,omitempty"`
}

// PlexSessionItem is one live session from /status/sessions, carrying the
// metadata the websocket alert lacks.
type PlexSessionItem struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Type             string `json:"type"` // "movie", "episode"
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle,omitempty"` // show title for episodes
	ParentIndex      int    `json:"parentIndex,omitempty"`      // season number
	Index            int    `json:"index,omitempty"`            // episode number
	Year             int    `json:"year,omitempty"`
	Guid             string `json:"guid,omitempty"`
	GrandparentGuid  string `json:"grandparentGuid,omitempty"`
	Thumb            string `json:"thumb,omitempty"`
	GrandparentThumb string `json:"grandparentThumb,omitempty"`
	ViewOffset       int64  `json:"viewOffset,omitempty"` // milliseconds
	Duration         int64  `json:"duration,omitempty"`   // milliseconds

	// External GUIDs (new-style agents expose them as child elements)
	GuidList []PlexGuid `json:"Guid,omitempty"`

	User   *PlexSessionUser   `json:"User,omitempty"`
	Player *PlexSessionPlayer `json:"Player,omitempty"`
}

// PlexGuid is one external id element (imdb://tt..., tmdb://..., tvdb://...).
type PlexGuid struct {
	ID string `json:"id"`
}

// PlexSessionUser identifies the account driving a session.
type PlexSessionUser struct {
	ID    string `json:"id"`
	Title string `json:"title"` // username
}

// PlexSessionPlayer identifies the playback device and its state.
type PlexSessionPlayer struct {
	MachineIdentifier string `json:"machineIdentifier"`
	Product           string `json:"product,omitempty"`
	State             string `json:"state,omitempty"` // "playing", "paused", "buffering"
}

// GuidStrings collects every GUID attached to the session item, primary
// guid first, for id extraction.
func (s *PlexSessionItem) GuidStrings() []string {
	out := make([]string, 0, len(s.GuidList)+1)
	if s.Guid != "" {
		out = append(out, s.Guid)
	}
	for _, g := range s.GuidList {
		out = append(out, g.ID)
	}
	return out
}

// Plex Webhook Models
// Webhooks arrive as multipart/form-data with a "payload" JSON part.
// Reference: https://support.plex.tv/articles/115002267687-webhooks/

// PlexWebhookPayload is the decoded webhook JSON.
type PlexWebhookPayload struct {
	Event    string              `json:"event"` // media.play, media.pause, media.resume, media.stop, media.scrobble
	Owner    bool                `json:"owner,omitempty"`
	Account  PlexWebhookAccount  `json:"Account"`
	Server   PlexWebhookServer   `json:"Server"`
	Player   PlexWebhookPlayer   `json:"Player,omitempty"`
	Metadata PlexWebhookMetadata `json:"Metadata"`
}

// PlexWebhookAccount identifies the Plex account that triggered the event.
type PlexWebhookAccount struct {
	ID    int    `json:"id,omitempty"`
	Title string `json:"title"` // username
}

// PlexWebhookServer identifies the originating server.
type PlexWebhookServer struct {
	Title string `json:"title,omitempty"`
	UUID  string `json:"uuid"`
}

// PlexWebhookPlayer identifies the playback device.
type PlexWebhookPlayer struct {
	UUID  string `json:"uuid,omitempty"`
	Title string `json:"title,omitempty"`
	Local bool   `json:"local,omitempty"`
}

// PlexWebhookMetadata carries the media item of a webhook event. Plex
// webhooks do not include playback progress; the pipeline resolves it from
// the live session when possible and otherwise treats play/resume as 0.
type PlexWebhookMetadata struct {
	Type             string     `json:"type"` // "movie", "episode"
	Title            string     `json:"title"`
	GrandparentTitle string     `json:"grandparentTitle,omitempty"`
	ParentIndex      int        `json:"parentIndex,omitempty"`
	Index            int        `json:"index,omitempty"`
	Year             int        `json:"year,omitempty"`
	Guid             string     `json:"guid,omitempty"`
	GrandparentGuid  string     `json:"grandparentGuid,omitempty"`
	GuidList         []PlexGuid `json:"Guid,omitempty"`
	RatingKey        string     `json:"ratingKey,omitempty"`
	SessionKey       string     `json:"sessionKey,omitempty"`
	ViewOffset       int64      `json:"viewOffset,omitempty"`
	Duration         int64      `json:"duration,omitempty"`
	Thumb            string     `json:"thumb,omitempty"`
}

// GuidStrings collects every GUID attached to the webhook metadata.
func (m *PlexWebhookMetadata) GuidStrings() []string {
	out := make([]string, 0, len(m.GuidList)+1)
	if m.Guid != "" {
		out = append(out, m.Guid)
	}
	for _, g := range m.GuidList {
		out = append(out, g.ID)
	}
	return out
}
