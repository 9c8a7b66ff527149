// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package watch contains the media-server adapters that observe playback and
// emit canonical scrobble events: a Plex websocket watcher and session
// pollers for Jellyfin and Emby. Each adapter normalizes its provider's
// payloads into models.ScrobbleEvent and hands them to an EventHandler.
package watch

import (
	"context"
	"time"

	"github.com/watchrelay/watchrelay/internal/models"
)

// EventHandler receives every normalized event an adapter produces. Handlers
// are invoked from the adapter's own goroutine and must not block for long.
type EventHandler func(ev *models.ScrobbleEvent)

// Watcher is one running media-server adapter.
type Watcher interface {
	// Name identifies the adapter instance for logs and metrics.
	Name() string

	// Start begins watching. It returns once the adapter is running; the
	// watch loop itself runs on background goroutines until Stop.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and waits for its goroutines to exit.
	Stop()

	// Probe reports whether the event's item is actively playing right now,
	// consulting the server's live sessions. Used to confirm or discard
	// quarantined autoplay starts.
	Probe(ctx context.Context, ev *models.ScrobbleEvent) (bool, error)
}

// progressEmitDelta is how far playback must advance before a poller emits a
// progress update for a session that is otherwise unchanged.
const progressEmitDelta = 5.0

// ticksPerMillisecond converts Jellyfin/Emby 100ns ticks to milliseconds.
const ticksPerMillisecond = 10_000

func durationFromTicks(ticks int64) int64 {
	return ticks / ticksPerMillisecond
}

// sleepOrDone waits for the interval or the context, whichever ends first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
