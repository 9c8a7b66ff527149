// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package models

// Emby Session Models
// Structures for GET /Sessions?ActiveWithinSeconds=N responses. Emby's
// session shape is close to Jellyfin's (shared ancestry) but is kept
// separate: field availability and semantics have diverged between the two.

// EmbySession is one entry from GET /Sessions.
type EmbySession struct {
	ID             string              `json:"Id"`
	UserID         string              `json:"UserId,omitempty"`
	UserName       string              `json:"UserName,omitempty"`
	Client         string              `json:"Client,omitempty"`
	DeviceID       string              `json:"DeviceId,omitempty"`
	DeviceName     string              `json:"DeviceName,omitempty"`
	ServerID       string              `json:"ServerId,omitempty"`
	NowPlayingItem *EmbyNowPlayingItem `json:"NowPlayingItem,omitempty"`
	PlayState      *EmbyPlayState      `json:"PlayState,omitempty"`
}

// EmbyNowPlayingItem is the media item of an active session.
// Ticks are 100ns units, 10,000 per millisecond.
type EmbyNowPlayingItem struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	Type              string            `json:"Type"` // "Movie", "Episode"
	SeriesName        string            `json:"SeriesName,omitempty"`
	ParentIndexNumber int               `json:"ParentIndexNumber,omitempty"`
	IndexNumber       int               `json:"IndexNumber,omitempty"`
	ProductionYear    int               `json:"ProductionYear,omitempty"`
	RunTimeTicks      int64             `json:"RunTimeTicks,omitempty"`
	ProviderIds       map[string]string `json:"ProviderIds,omitempty"`
	SeriesProviderIds map[string]string `json:"SeriesProviderIds,omitempty"`
}

// EmbyPlayState carries the live position and pause flag.
type EmbyPlayState struct {
	PositionTicks int64  `json:"PositionTicks,omitempty"`
	IsPaused      bool   `json:"IsPaused,omitempty"`
	PlayMethod    string `json:"PlayMethod,omitempty"`
}

// NormalizedIDs lowercases the Emby provider id keys into the canonical map.
func (i *EmbyNowPlayingItem) NormalizedIDs() IDs {
	return normalizeProviderIDs(i.ProviderIds)
}

// NormalizedSeriesIDs returns the series-level ids of an episode.
func (i *EmbyNowPlayingItem) NormalizedSeriesIDs() IDs {
	return normalizeProviderIDs(i.SeriesProviderIds)
}

// Progress converts the session's position/runtime ticks to a percentage.
func (s *EmbySession) Progress() float64 {
	if s.NowPlayingItem == nil || s.PlayState == nil {
		return 0
	}
	return ProgressFromTicks(s.PlayState.PositionTicks, s.NowPlayingItem.RunTimeTicks)
}
