// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package watch

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/watchrelay/watchrelay/internal/models"
)

// plexProgressDisagreeMargin is how far (in percent) a websocket alert's
// position may diverge from the live session before the session wins. Alerts
// can carry a stale offset across seeks and transcode restarts.
const plexProgressDisagreeMargin = 5.0

// reconcileViewOffset picks between the alert's position and the session's.
func reconcileViewOffset(alertOffset int64, item *models.PlexSessionItem) int64 {
	if alertOffset < 0 {
		return item.ViewOffset
	}
	if item.Duration <= 0 || item.ViewOffset <= 0 {
		return alertOffset
	}
	alertP := models.ProgressFromTicks(alertOffset, item.Duration)
	liveP := models.ProgressFromTicks(item.ViewOffset, item.Duration)
	if math.Abs(alertP-liveP) > plexProgressDisagreeMargin {
		return item.ViewOffset
	}
	return alertOffset
}

// plexStateAction maps a websocket playback state to the normalized action.
// Buffering is transient noise and maps to nothing.
func plexStateAction(state string) (models.Action, bool) {
	switch state {
	case "playing":
		return models.ActionStart, true
	case "paused":
		return models.ActionPause, true
	case "stopped":
		return models.ActionStop, true
	default:
		return "", false
	}
}

// BuildPlexEvent normalizes one enriched Plex session into a scrobble event.
// viewOffset is the position in milliseconds from the websocket alert, which
// is fresher than the session's own ViewOffset; pass a negative value to use
// the session's. Returns nil for media types the pipeline does not scrobble
// (tracks, photos, live TV).
func BuildPlexEvent(item *models.PlexSessionItem, action models.Action, serverUUID string, viewOffset int64) *models.ScrobbleEvent {
	var mediaType models.MediaType
	switch item.Type {
	case "movie":
		mediaType = models.MediaMovie
	case "episode":
		mediaType = models.MediaEpisode
	default:
		return nil
	}

	ids := models.ExtractIDsFromGUIDs(item.GuidStrings())
	title := item.Title
	cover := item.Thumb
	if mediaType == models.MediaEpisode {
		if item.GrandparentGuid != "" {
			ids = models.MergeShowIDs(ids, models.ExtractIDsFromGUIDs([]string{item.GrandparentGuid}))
		}
		if item.GrandparentTitle != "" {
			title = item.GrandparentTitle
		}
		if item.GrandparentThumb != "" {
			cover = item.GrandparentThumb
		}
	}

	viewOffset = reconcileViewOffset(viewOffset, item)

	ev := &models.ScrobbleEvent{
		ID:         uuid.NewString(),
		Action:     action,
		MediaType:  mediaType,
		IDs:        ids,
		Title:      title,
		Year:       item.Year,
		Season:     item.ParentIndex,
		Episode:    item.Index,
		Progress:   models.ProgressFromTicks(viewOffset, item.Duration),
		DurationMS: item.Duration,
		ServerUUID: serverUUID,
		SessionKey: item.SessionKey,
		Source:     "plex",
		Cover:      cover,
		ReceivedAt: time.Now().UTC(),
	}
	if item.User != nil {
		ev.Account = item.User.Title
		ev.AccountID = item.User.ID
	}
	return ev
}
