// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package pipeline implements the dispatch and progress-reconciliation layer
// between the watchers and the scrobble sinks: per-session state machines,
// debounce and clamping rules, and the route-level event fan-out.
package pipeline

import (
	"time"

	"github.com/watchrelay/watchrelay/internal/models"
)

// sessionState tracks one (server, session, item) playback session as seen
// by a single sink's reconciler.
type sessionState struct {
	itemKey string

	lastAction   models.Action
	lastProgress float64

	// sessionHigh is the highest progress observed in this session; the
	// regression clamp and the suspicious-100 clamp measure against it.
	sessionHigh float64

	lastPauseSent    time.Time
	lastStopSent     time.Time
	lastStopProgress float64
}

// completionMark remembers the most recent committed completion stop, used
// by the autoplay quarantine to spot immediate follow-on starts.
type completionMark struct {
	itemKey    string
	serverUUID string
	at         time.Time
}
