// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

const (
	jellyfinDefaultPollInterval = 10 * time.Second
	jellyfinClientTimeout       = 15 * time.Second
	defaultStopGrace            = 2 * time.Second
	defaultForceStopAt          = 95.0
)

// jellyfinSessionState is the tracker entry for one live session between
// polls. base holds the normalized event template; every emitted event is a
// clone of it with a fresh id, action, and progress.
type jellyfinSessionState struct {
	itemID       string
	base         *models.ScrobbleEvent
	paused       bool
	lastProgress float64
	lastEmitted  float64
	missingSince time.Time
}

// JellyfinWatcher polls GET /Sessions and derives playback transitions from
// PlayState deltas: a new NowPlayingItem is a start, a pause flag flip is a
// pause or resume, and a session that disappears (or swaps items) yields a
// synthetic stop at its last known position. Progress updates are emitted
// while playing so downstream progress tracking stays current.
type JellyfinWatcher struct {
	cfg         config.JellyfinServer
	handler     EventHandler
	http        *http.Client
	interval    time.Duration
	stopGrace   time.Duration
	forceStopAt float64

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	track   map[string]*jellyfinSessionState
}

// NewJellyfinWatcher creates a poller for one Jellyfin server. scrob supplies
// the stop grace and completion threshold governing synthetic stops.
func NewJellyfinWatcher(cfg config.JellyfinServer, scrob config.ScrobbleConfig, handler EventHandler) *JellyfinWatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = jellyfinDefaultPollInterval
	}
	stopGrace := scrob.StopGrace
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	forceStopAt := scrob.ForceStopAt
	if forceStopAt <= 0 {
		forceStopAt = defaultForceStopAt
	}
	return &JellyfinWatcher{
		cfg:         cfg,
		handler:     handler,
		http:        &http.Client{Timeout: jellyfinClientTimeout},
		interval:    interval,
		stopGrace:   stopGrace,
		forceStopAt: forceStopAt,
		now:         time.Now,
		track:       make(map[string]*jellyfinSessionState),
	}
}

// Name implements Watcher.
func (w *JellyfinWatcher) Name() string {
	return "jellyfin/" + w.cfg.Name
}

// Start implements Watcher.
func (w *JellyfinWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("jellyfin watcher already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(runCtx)
	}()

	logging.Info().
		Str("watcher", w.Name()).
		Dur("interval", w.interval).
		Msg("Jellyfin watcher started")
	return nil
}

// Stop implements Watcher.
func (w *JellyfinWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	metrics.WatcherConnected.WithLabelValues("jellyfin", w.cfg.Name).Set(0)
	logging.Info().Str("watcher", w.Name()).Msg("Jellyfin watcher stopped")
}

func (w *JellyfinWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *JellyfinWatcher) poll(ctx context.Context) {
	sessions, err := w.fetchSessions(ctx)
	if err != nil {
		metrics.WatcherConnected.WithLabelValues("jellyfin", w.cfg.Name).Set(0)
		logging.Warn().Err(err).Str("watcher", w.Name()).Msg("Jellyfin sessions poll failed")
		return
	}
	metrics.WatcherConnected.WithLabelValues("jellyfin", w.cfg.Name).Set(1)
	w.apply(sessions)
}

// apply diffs one poll result against the tracker and emits the resulting
// transitions. Split from poll so the transition logic is testable without
// a server.
func (w *JellyfinWatcher) apply(sessions []models.JellyfinSession) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		base := buildJellyfinEvent(s)
		if base == nil {
			continue
		}
		seen[s.ID] = true

		progress := models.ProgressFromTicks(s.PlayState.PositionTicks, s.NowPlayingItem.RunTimeTicks)
		paused := s.PlayState.IsPaused

		st, ok := w.track[s.ID]
		switch {
		case !ok:
			st = &jellyfinSessionState{itemID: s.NowPlayingItem.ID, base: base}
			w.track[s.ID] = st
			w.emit(st, models.ActionStart, progress)

		case st.itemID != s.NowPlayingItem.ID:
			// Item swapped inside one session (autoplay, playlist).
			w.emit(st, models.ActionStop, st.lastProgress)
			st.itemID = s.NowPlayingItem.ID
			st.base = base
			st.lastEmitted = 0
			w.emit(st, models.ActionStart, progress)

		case paused != st.paused:
			if paused {
				w.emit(st, models.ActionPause, progress)
			} else {
				w.emit(st, models.ActionStart, progress)
			}

		case !paused && progress-st.lastEmitted >= progressEmitDelta:
			w.emit(st, models.ActionStart, progress)
		}

		st.paused = paused
		st.lastProgress = progress
		st.missingSince = time.Time{}
	}

	// A session missing from one poll is usually an API blip, not a stop.
	// Hold the synthetic stop until it stays gone past the grace, except
	// near the end where a vanish is a real finish.
	now := w.now()
	for id, st := range w.track {
		if seen[id] {
			continue
		}
		if st.missingSince.IsZero() {
			st.missingSince = now
			if st.lastProgress < w.forceStopAt {
				continue
			}
		} else if now.Sub(st.missingSince) < w.stopGrace {
			continue
		}
		w.emit(st, models.ActionStop, st.lastProgress)
		delete(w.track, id)
	}
}

// emit clones the session's event template and hands it to the handler.
// Called with w.mu held; handlers must not call back into the watcher.
func (w *JellyfinWatcher) emit(st *jellyfinSessionState, action models.Action, progress float64) {
	ev := *st.base
	ev.ID = uuid.NewString()
	ev.Action = action
	ev.Progress = progress
	ev.IDs = st.base.IDs.Clone()
	ev.ReceivedAt = time.Now().UTC()
	st.lastEmitted = progress
	w.handler(&ev)
}

// buildJellyfinEvent normalizes a session into an event template. Returns nil
// when the session carries nothing scrobblable.
func buildJellyfinEvent(s *models.JellyfinSession) *models.ScrobbleEvent {
	if s.NowPlayingItem == nil || s.PlayState == nil {
		return nil
	}
	item := s.NowPlayingItem

	var mediaType models.MediaType
	switch item.Type {
	case "Movie":
		mediaType = models.MediaMovie
	case "Episode":
		mediaType = models.MediaEpisode
	default:
		return nil
	}

	ids := item.NormalizedIDs()
	title := item.Name
	if mediaType == models.MediaEpisode {
		ids = models.MergeShowIDs(ids, item.NormalizedSeriesIDs())
		if item.SeriesName != "" {
			title = item.SeriesName
		}
	}

	return &models.ScrobbleEvent{
		MediaType:   mediaType,
		IDs:         ids,
		Title:       title,
		Year:        item.ProductionYear,
		Season:      item.ParentIndexNumber,
		Episode:     item.IndexNumber,
		DurationMS:  durationFromTicks(item.RunTimeTicks),
		Account:     s.UserName,
		AccountID:   s.UserID,
		AccountUUID: s.UserID,
		ServerUUID:  s.ServerID,
		SessionKey:  s.ID,
		Source:      "jellyfin",
	}
}

func (w *JellyfinWatcher) fetchSessions(ctx context.Context) ([]models.JellyfinSession, error) {
	url := strings.TrimRight(w.cfg.URL, "/") + "/Sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", w.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jellyfin sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jellyfin sessions: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("jellyfin sessions: read body: %w", err)
	}
	var sessions []models.JellyfinSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("jellyfin sessions: decode: %w", err)
	}
	return sessions, nil
}

// Probe implements Watcher using a live sessions fetch, since the poll cycle
// can be longer than the autoplay quarantine window.
func (w *JellyfinWatcher) Probe(ctx context.Context, ev *models.ScrobbleEvent) (bool, error) {
	sessions, err := w.fetchSessions(ctx)
	if err != nil {
		return false, err
	}
	want := ev.ItemKey()
	for i := range sessions {
		s := &sessions[i]
		if s.PlayState != nil && s.PlayState.IsPaused {
			continue
		}
		probe := buildJellyfinEvent(s)
		if probe != nil && probe.ItemKey() == want {
			return true, nil
		}
	}
	return false, nil
}

var _ Watcher = (*JellyfinWatcher)(nil)
