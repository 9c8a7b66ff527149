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
	"strconv"
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
	embyDefaultPollInterval = 700 * time.Millisecond
	embyDefaultActiveWithin = 15
	embyClientTimeout       = 10 * time.Second
)

type embySessionState struct {
	itemKey      string
	base         *models.ScrobbleEvent
	paused       bool
	lastProgress float64
	lastEmitted  float64
	missingSince time.Time
}

// EmbyWatcher polls GET /Sessions?ActiveWithinSeconds=N at a short interval.
// Emby reuses item ids across live-TV airings, so item change detection keys
// on the item id plus its runtime; a runtime flip under the same id means a
// new program and is treated as an item swap.
type EmbyWatcher struct {
	cfg          config.EmbyServer
	handler      EventHandler
	http         *http.Client
	interval     time.Duration
	activeWithin int
	stopGrace    time.Duration
	forceStopAt  float64

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	track   map[string]*embySessionState
}

// NewEmbyWatcher creates a poller for one Emby server. scrob supplies the
// stop grace and completion threshold governing synthetic stops.
func NewEmbyWatcher(cfg config.EmbyServer, scrob config.ScrobbleConfig, handler EventHandler) *EmbyWatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = embyDefaultPollInterval
	}
	activeWithin := cfg.ActiveWithinSeconds
	if activeWithin <= 0 {
		activeWithin = embyDefaultActiveWithin
	}
	stopGrace := scrob.StopGrace
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	forceStopAt := scrob.ForceStopAt
	if forceStopAt <= 0 {
		forceStopAt = defaultForceStopAt
	}
	return &EmbyWatcher{
		cfg:          cfg,
		handler:      handler,
		http:         &http.Client{Timeout: embyClientTimeout},
		interval:     interval,
		activeWithin: activeWithin,
		stopGrace:    stopGrace,
		forceStopAt:  forceStopAt,
		now:          time.Now,
		track:        make(map[string]*embySessionState),
	}
}

// Name implements Watcher.
func (w *EmbyWatcher) Name() string {
	return "emby/" + w.cfg.Name
}

// Start implements Watcher.
func (w *EmbyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("emby watcher already started")
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
		Msg("Emby watcher started")
	return nil
}

// Stop implements Watcher.
func (w *EmbyWatcher) Stop() {
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
	metrics.WatcherConnected.WithLabelValues("emby", w.cfg.Name).Set(0)
	logging.Info().Str("watcher", w.Name()).Msg("Emby watcher stopped")
}

func (w *EmbyWatcher) pollLoop(ctx context.Context) {
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

func (w *EmbyWatcher) poll(ctx context.Context) {
	sessions, err := w.fetchSessions(ctx)
	if err != nil {
		metrics.WatcherConnected.WithLabelValues("emby", w.cfg.Name).Set(0)
		logging.Warn().Err(err).Str("watcher", w.Name()).Msg("Emby sessions poll failed")
		return
	}
	metrics.WatcherConnected.WithLabelValues("emby", w.cfg.Name).Set(1)
	w.apply(sessions)
}

// embyItemKey identifies the playing item for change detection.
func embyItemKey(item *models.EmbyNowPlayingItem) string {
	return item.ID + "|" + strconv.FormatInt(item.RunTimeTicks, 10)
}

// apply diffs one poll result against the tracker; see JellyfinWatcher.apply
// for the transition rules.
func (w *EmbyWatcher) apply(sessions []models.EmbySession) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		base := buildEmbyEvent(s)
		if base == nil {
			continue
		}
		seen[s.ID] = true

		itemKey := embyItemKey(s.NowPlayingItem)
		progress := s.Progress()
		paused := s.PlayState.IsPaused

		st, ok := w.track[s.ID]
		switch {
		case !ok:
			st = &embySessionState{itemKey: itemKey, base: base}
			w.track[s.ID] = st
			w.emit(st, models.ActionStart, progress)

		case st.itemKey != itemKey:
			w.emit(st, models.ActionStop, st.lastProgress)
			st.itemKey = itemKey
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

	// Same disappearance grace as the Jellyfin poller; the short Emby poll
	// interval makes one-poll gaps routine.
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

func (w *EmbyWatcher) emit(st *embySessionState, action models.Action, progress float64) {
	ev := *st.base
	ev.ID = uuid.NewString()
	ev.Action = action
	ev.Progress = progress
	ev.IDs = st.base.IDs.Clone()
	ev.ReceivedAt = time.Now().UTC()
	st.lastEmitted = progress
	w.handler(&ev)
}

// buildEmbyEvent normalizes a session into an event template.
func buildEmbyEvent(s *models.EmbySession) *models.ScrobbleEvent {
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
		Source:      "emby",
	}
}

func (w *EmbyWatcher) fetchSessions(ctx context.Context) ([]models.EmbySession, error) {
	url := fmt.Sprintf("%s/Sessions?ActiveWithinSeconds=%d",
		strings.TrimRight(w.cfg.URL, "/"), w.activeWithin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", w.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("emby sessions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("emby sessions: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("emby sessions: read body: %w", err)
	}
	var sessions []models.EmbySession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("emby sessions: decode: %w", err)
	}
	return sessions, nil
}

// Probe implements Watcher with a live sessions fetch.
func (w *EmbyWatcher) Probe(ctx context.Context, ev *models.ScrobbleEvent) (bool, error) {
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
		probe := buildEmbyEvent(s)
		if probe != nil && probe.ItemKey() == want {
			return true, nil
		}
	}
	return false, nil
}

var _ Watcher = (*EmbyWatcher)(nil)
