// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package watch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

const (
	plexPingInterval    = 30 * time.Second
	plexReadDeadline    = 60 * time.Second
	plexInitialBackoff  = time.Second
	plexMaxBackoff      = 32 * time.Second
	plexWriteTimeout    = 5 * time.Second
	plexNotificationCap = 1 << 20 // 1MB read limit per frame
)

// PlexWatcher consumes the Plex websocket notification stream. Playback
// alerts are sparse (session key, state, position only), so each one is
// enriched from /status/sessions before an event is emitted. Session metadata
// is cached so a "stopped" alert, which arrives after the session has left
// /status/sessions, can still be attributed.
type PlexWatcher struct {
	cfg     config.PlexServer
	client  *PlexClient
	handler EventHandler

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	serverUUID string
	sessions   map[string]models.PlexSessionItem // by session key
}

// NewPlexWatcher creates a watcher for one Plex server.
func NewPlexWatcher(cfg config.PlexServer, handler EventHandler) *PlexWatcher {
	return &PlexWatcher{
		cfg:      cfg,
		client:   NewPlexClient(cfg),
		handler:  handler,
		sessions: make(map[string]models.PlexSessionItem),
	}
}

// Name implements Watcher.
func (w *PlexWatcher) Name() string {
	return "plex/" + w.cfg.Name
}

// Start implements Watcher. The machine identifier is resolved from the
// server unless pinned in config; resolution failure is not fatal, the
// watcher retries on each connect.
func (w *PlexWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("plex watcher already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.running = true
	w.serverUUID = w.cfg.ServerUUID

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	logging.Info().Str("watcher", w.Name()).Str("url", w.cfg.URL).Msg("Plex watcher started")
	return nil
}

// Stop implements Watcher.
func (w *PlexWatcher) Stop() {
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
	metrics.WatcherConnected.WithLabelValues("plex", w.cfg.Name).Set(0)
	logging.Info().Str("watcher", w.Name()).Msg("Plex watcher stopped")
}

// run is the reconnect loop: connect, read until failure, back off, repeat.
func (w *PlexWatcher) run(ctx context.Context) {
	backoff := plexInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := w.connectAndRead(ctx)
		metrics.WatcherConnected.WithLabelValues("plex", w.cfg.Name).Set(0)
		if ctx.Err() != nil {
			return
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = plexInitialBackoff
		}

		metrics.WatcherReconnects.WithLabelValues("plex", w.cfg.Name).Inc()
		delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		logging.Warn().
			Err(err).
			Str("watcher", w.Name()).
			Dur("retry_in", delay).
			Msg("Plex websocket disconnected")

		if !sleepOrDone(ctx, delay) {
			return
		}
		if backoff *= 2; backoff > plexMaxBackoff {
			backoff = plexMaxBackoff
		}
	}
}

func (w *PlexWatcher) connectAndRead(ctx context.Context) error {
	wsURL, err := w.websocketURL()
	if err != nil {
		return err
	}

	w.resolveIdentity(ctx)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(plexNotificationCap)
	_ = conn.SetReadDeadline(time.Now().Add(plexReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(plexReadDeadline))
	})

	metrics.WatcherConnected.WithLabelValues("plex", w.cfg.Name).Set(1)
	logging.Info().Str("watcher", w.Name()).Msg("Plex websocket connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(plexPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close() // unblocks ReadMessage
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(plexWriteTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(plexReadDeadline))
		w.handleMessage(ctx, data)
	}
}

// websocketURL derives the notification endpoint from the configured base URL.
func (w *PlexWatcher) websocketURL() (string, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse plex url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported plex url scheme %q", u.Scheme)
	}
	u.Path = "/:/websockets/notifications"
	u.RawQuery = url.Values{"X-Plex-Token": {w.cfg.Token}}.Encode()
	return u.String(), nil
}

// resolveIdentity fills the machine identifier when config left it empty.
func (w *PlexWatcher) resolveIdentity(ctx context.Context) {
	w.mu.Lock()
	known := w.serverUUID != ""
	w.mu.Unlock()
	if known {
		return
	}

	id, err := w.client.Identity(ctx)
	if err != nil {
		logging.Warn().Err(err).Str("watcher", w.Name()).Msg("Failed to resolve Plex server identity")
		return
	}
	w.mu.Lock()
	w.serverUUID = id
	w.mu.Unlock()
	logging.Debug().Str("watcher", w.Name()).Str("server_uuid", id).Msg("Resolved Plex server identity")
}

func (w *PlexWatcher) currentServerUUID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.serverUUID
}

func (w *PlexWatcher) handleMessage(ctx context.Context, data []byte) {
	var wrapper models.PlexNotificationWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		logging.Debug().Err(err).Str("watcher", w.Name()).Msg("Undecodable websocket frame")
		return
	}
	if wrapper.NotificationContainer.Type != "playing" {
		return
	}

	for _, n := range wrapper.NotificationContainer.PlaySessionStateNotification {
		w.handleNotification(ctx, n)
	}
}

func (w *PlexWatcher) handleNotification(ctx context.Context, n models.PlexPlayingNotification) {
	action, ok := plexStateAction(n.State)
	if !ok {
		return
	}

	item := w.resolveSession(ctx, n.SessionKey, action)
	if item == nil {
		logging.Debug().
			Str("watcher", w.Name()).
			Str("session_key", n.SessionKey).
			Str("state", n.State).
			Msg("No session metadata for playback alert")
		return
	}

	ev := BuildPlexEvent(item, action, w.currentServerUUID(), n.ViewOffset)
	if ev == nil {
		return
	}
	w.handler(ev)
}

// resolveSession returns the session metadata for an alert. Starts and pauses
// refresh the live sessions first; stops read the cache because the session
// has usually already left /status/sessions by the time the alert arrives.
func (w *PlexWatcher) resolveSession(ctx context.Context, sessionKey string, action models.Action) *models.PlexSessionItem {
	if action != models.ActionStop {
		w.refreshSessions(ctx)
	}

	w.mu.Lock()
	item, ok := w.sessions[sessionKey]
	if action == models.ActionStop {
		delete(w.sessions, sessionKey)
	}
	w.mu.Unlock()

	if !ok && action == models.ActionStop {
		// Stop for a session never seen playing; one refresh as a last try.
		w.refreshSessions(ctx)
		w.mu.Lock()
		item, ok = w.sessions[sessionKey]
		delete(w.sessions, sessionKey)
		w.mu.Unlock()
	}
	if !ok {
		return nil
	}
	return &item
}

func (w *PlexWatcher) refreshSessions(ctx context.Context) {
	sessions, err := w.client.Sessions(ctx)
	if err != nil {
		logging.Warn().Err(err).Str("watcher", w.Name()).Msg("Failed to fetch Plex sessions")
		return
	}
	w.mu.Lock()
	for _, s := range sessions {
		if s.SessionKey != "" {
			w.sessions[s.SessionKey] = s
		}
	}
	w.mu.Unlock()
}

// Probe implements Watcher. It asks the server which items are actively
// playing and matches on item identity, not session key, because autoplay
// starts the next item under a fresh session.
func (w *PlexWatcher) Probe(ctx context.Context, ev *models.ScrobbleEvent) (bool, error) {
	sessions, err := w.client.Sessions(ctx)
	if err != nil {
		return false, err
	}
	want := ev.ItemKey()
	for i := range sessions {
		s := &sessions[i]
		if s.Player != nil && s.Player.State != "playing" {
			continue
		}
		probe := BuildPlexEvent(s, models.ActionStart, ev.ServerUUID, -1)
		if probe != nil && probe.ItemKey() == want {
			return true, nil
		}
	}
	return false, nil
}

var _ Watcher = (*PlexWatcher)(nil)
