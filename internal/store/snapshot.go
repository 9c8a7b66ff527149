// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchrelay/watchrelay/internal/models"
)

// WatchingEntry is one active session in the currently-watching snapshot.
// The shape is consumed by external dashboards; field names are stable.
type WatchingEntry struct {
	Source     string    `json:"source"`
	MediaType  string    `json:"media_type"`
	Title      string    `json:"title"`
	Year       int       `json:"year,omitempty"`
	Season     int       `json:"season,omitempty"`
	Episode    int       `json:"episode,omitempty"`
	Progress   float64   `json:"progress"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Cover      string    `json:"cover,omitempty"`
	State      string    `json:"state"` // "playing" or "paused"
	Updated    time.Time `json:"updated"`
}

// SnapshotWriter maintains currently_watching.json: every committed event
// updates the in-memory session set and rewrites the file atomically
// (temp file + rename), so readers never observe a torn write.
type SnapshotWriter struct {
	mu      sync.Mutex
	path    string
	entries map[string]WatchingEntry
}

// NewSnapshotWriter creates a writer targeting path. The parent directory
// must exist.
func NewSnapshotWriter(path string) *SnapshotWriter {
	return &SnapshotWriter{
		path:    path,
		entries: make(map[string]WatchingEntry),
	}
}

// Apply folds a committed scrobble event into the snapshot and persists it.
// Start and pause upsert the session entry; stop removes it.
func (w *SnapshotWriter) Apply(ev *models.ScrobbleEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := ev.SessionID()
	switch ev.Action {
	case models.ActionStop:
		if _, ok := w.entries[key]; !ok {
			return nil // nothing to remove, skip the write
		}
		delete(w.entries, key)
	case models.ActionStart, models.ActionPause:
		state := "playing"
		if ev.Action == models.ActionPause {
			state = "paused"
		}
		w.entries[key] = WatchingEntry{
			Source:     ev.Source,
			MediaType:  string(ev.MediaType),
			Title:      ev.Title,
			Year:       ev.Year,
			Season:     ev.Season,
			Episode:    ev.Episode,
			Progress:   ev.Progress,
			DurationMS: ev.DurationMS,
			Cover:      ev.Cover,
			State:      state,
			Updated:    time.Now().UTC(),
		}
	default:
		return nil
	}

	return w.write()
}

// Current returns a copy of the active session entries.
func (w *SnapshotWriter) Current() []WatchingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]WatchingEntry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	return out
}

// write persists the entry set atomically (must hold w.mu).
func (w *SnapshotWriter) write() error {
	entries := make([]WatchingEntry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watching snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".watching-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
