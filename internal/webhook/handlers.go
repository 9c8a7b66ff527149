// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/pipeline"
)

const maxPayloadBytes = 1 << 20

// webhookResponse is the structured intake verdict returned to the caller.
type webhookResponse struct {
	OK         bool `json:"ok"`
	Ignored    bool `json:"ignored"`
	Debounced  bool `json:"debounced"`
	Suppressed bool `json:"suppressed"`
	Dedup      bool `json:"dedup"`
}

// deriveResponse folds per-sink outcomes into the intake verdict.
func deriveResponse(outcomes []pipeline.Outcome) webhookResponse {
	resp := webhookResponse{OK: true, Ignored: len(outcomes) > 0}
	for _, o := range outcomes {
		switch o.Decision {
		case pipeline.DecisionError:
			resp.OK = false
			resp.Ignored = false
		case pipeline.DecisionDebounced:
			resp.Debounced = true
			resp.Ignored = false
		case pipeline.DecisionSuppressed, pipeline.DecisionQuarantined:
			resp.Suppressed = true
			resp.Ignored = false
		case pipeline.DecisionCommitted:
			resp.Ignored = false
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// dedupKey is the idempotency identity of a webhook post. Providers double
// deliver on retries; two posts for the same session, action, and rounded
// progress inside the window are one event.
func dedupKey(serverUUID, sessionKey string, action models.Action, progress float64) string {
	return fmt.Sprintf("%s|%s|%s|%d", serverUUID, sessionKey, action, int(progress+0.5))
}

// handlePlex processes Plex webhooks. Plex posts multipart/form-data with a
// "payload" JSON part; raw JSON bodies are accepted too for proxies that
// unwrap the form. When a webhook secret is configured the payload must carry
// a valid HMAC-SHA1 signature.
func (s *Server) handlePlex(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.RecordWebhook("plex", status, time.Since(start)) }()

	payload, err := plexPayloadBytes(r)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !verifySignature(payload, r.Header.Get("X-Plex-Signature"), s.cfg.WebhookSecret) {
			status = http.StatusForbidden
			writeJSON(w, status, map[string]string{"error": "invalid signature"})
			return
		}
	}

	var p models.PlexWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		logging.Debug().Err(err).Msg("Undecodable Plex webhook payload")
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "undecodable payload"})
		return
	}

	action, ok := plexWebhookAction(p.Event)
	if !ok {
		// Library and account events flow through the same hook; fine.
		writeJSON(w, status, webhookResponse{OK: true, Ignored: true})
		return
	}

	ev := buildPlexWebhookEvent(&p, action)
	if ev == nil {
		writeJSON(w, status, webhookResponse{OK: true, Ignored: true})
		return
	}

	if s.dedup.IsDuplicate(dedupKey(ev.ServerUUID, ev.SessionKey, ev.Action, ev.Progress)) {
		writeJSON(w, status, webhookResponse{OK: true, Dedup: true})
		return
	}

	outcomes := s.dispatch.Dispatch(r.Context(), ev)
	writeJSON(w, status, deriveResponse(outcomes))
}

// handleJellyfin processes posts from the Jellyfin webhook plugin's playback
// notification template.
func (s *Server) handleJellyfin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() { metrics.RecordWebhook("jellyfin", status, time.Since(start)) }()

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "unreadable body"})
		return
	}

	var p models.JellyfinWebhookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		logging.Debug().Err(err).Msg("Undecodable Jellyfin webhook payload")
		status = http.StatusBadRequest
		writeJSON(w, status, map[string]string{"error": "undecodable payload"})
		return
	}

	ev := buildJellyfinWebhookEvent(&p)
	if ev == nil {
		writeJSON(w, status, webhookResponse{OK: true, Ignored: true})
		return
	}

	if s.dedup.IsDuplicate(dedupKey(ev.ServerUUID, ev.SessionKey, ev.Action, ev.Progress)) {
		writeJSON(w, status, webhookResponse{OK: true, Dedup: true})
		return
	}

	outcomes := s.dispatch.Dispatch(r.Context(), ev)
	writeJSON(w, status, deriveResponse(outcomes))
}

// plexPayloadBytes extracts the webhook JSON from either delivery form.
func plexPayloadBytes(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxPayloadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		payload := r.FormValue("payload")
		if payload == "" {
			return nil, fmt.Errorf("missing payload part")
		}
		return []byte(payload), nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return data, nil
}

// verifySignature checks the base64 HMAC-SHA1 of the payload bytes.
func verifySignature(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// plexWebhookAction maps Plex webhook event names to normalized actions.
// media.scrobble is Plex's own 90% watched marker and maps to stop.
func plexWebhookAction(event string) (models.Action, bool) {
	switch event {
	case "media.play", "media.resume":
		return models.ActionStart, true
	case "media.pause":
		return models.ActionPause, true
	case "media.stop", "media.scrobble":
		return models.ActionStop, true
	default:
		return "", false
	}
}

func buildPlexWebhookEvent(p *models.PlexWebhookPayload, action models.Action) *models.ScrobbleEvent {
	m := &p.Metadata

	var mediaType models.MediaType
	switch m.Type {
	case "movie":
		mediaType = models.MediaMovie
	case "episode":
		mediaType = models.MediaEpisode
	default:
		return nil
	}

	ids := models.ExtractIDsFromGUIDs(m.GuidStrings())
	title := m.Title
	if mediaType == models.MediaEpisode {
		if m.GrandparentGuid != "" {
			ids = models.MergeShowIDs(ids, models.ExtractIDsFromGUIDs([]string{m.GrandparentGuid}))
		}
		if m.GrandparentTitle != "" {
			title = m.GrandparentTitle
		}
	}

	sessionKey := m.SessionKey
	if sessionKey == "" {
		// Webhooks frequently omit the session key; the rating key still
		// separates concurrent items, if not concurrent viewers.
		sessionKey = m.RatingKey
	}

	ev := &models.ScrobbleEvent{
		ID:         uuid.NewString(),
		Action:     action,
		MediaType:  mediaType,
		IDs:        ids,
		Title:      title,
		Year:       m.Year,
		Season:     m.ParentIndex,
		Episode:    m.Index,
		Progress:   models.ProgressFromTicks(m.ViewOffset, m.Duration),
		DurationMS: m.Duration,
		Account:    p.Account.Title,
		ServerUUID: p.Server.UUID,
		SessionKey: sessionKey,
		Source:     "webhook",
		Cover:      m.Thumb,
		ReceivedAt: time.Now().UTC(),
	}
	if p.Account.ID != 0 {
		ev.AccountID = strconv.Itoa(p.Account.ID)
	}
	return ev
}

func buildJellyfinWebhookEvent(p *models.JellyfinWebhookPayload) *models.ScrobbleEvent {
	var action models.Action
	switch p.NotificationType {
	case "PlaybackStart":
		action = models.ActionStart
	case "PlaybackProgress":
		if p.IsPaused {
			action = models.ActionPause
		} else {
			action = models.ActionStart
		}
	case "PlaybackStop":
		action = models.ActionStop
	default:
		return nil
	}

	var mediaType models.MediaType
	switch p.ItemType {
	case "Movie":
		mediaType = models.MediaMovie
	case "Episode":
		mediaType = models.MediaEpisode
	default:
		return nil
	}

	progress := models.ProgressFromTicks(p.PlaybackPositionTicks, p.RunTimeTicks)
	if action == models.ActionStop && p.PlayedToCompletion {
		progress = 100
	}

	title := p.Name
	if mediaType == models.MediaEpisode && p.SeriesName != "" {
		title = p.SeriesName
	}

	sessionKey := p.ItemID
	if p.UserID != "" {
		sessionKey = p.UserID + ":" + p.ItemID
	}

	return &models.ScrobbleEvent{
		ID:          uuid.NewString(),
		Action:      action,
		MediaType:   mediaType,
		IDs:         p.ProviderIDs(),
		Title:       title,
		Year:        p.Year,
		Season:      p.SeasonNumber,
		Episode:     p.EpisodeNumber,
		Progress:    progress,
		DurationMS:  p.RunTimeTicks / 10_000,
		Account:     p.NotificationUser,
		AccountID:   p.UserID,
		AccountUUID: p.UserID,
		ServerUUID:  p.ServerID,
		SessionKey:  sessionKey,
		Source:      "webhook",
		ReceivedAt:  time.Now().UTC(),
	}
}
