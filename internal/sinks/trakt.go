// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package sinks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

// DefaultTraktBaseURL is the production Trakt API endpoint.
const DefaultTraktBaseURL = "https://api.trakt.tv"

// traktStopPauseThreshold is the default watched cutoff: Trakt counts an
// item watched from 80%. Overridable per deployment via sink config.
const traktStopPauseThreshold = 80

// TraktSink delivers scrobbles to the Trakt v2 API.
//
// Delivery strategy per event:
//   - request bodies are tried in descending specificity (exact ids first,
//     then show ids + episode numbers, then title/year)
//   - 404 falls through to the next body; for episodes an id search is the
//     last resort
//   - 401 triggers exactly one OAuth refresh-token exchange, then a retry
//   - 429 honors Retry-After; transport errors and 5xx retry with capped
//     exponential backoff
type TraktSink struct {
	client  *Client
	cfg     config.TraktConfig
	baseURL string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// NewTraktSink creates the Trakt sink.
func NewTraktSink(cfg config.TraktConfig) *TraktSink {
	return &TraktSink{
		client:       NewClient("trakt"),
		cfg:          cfg,
		baseURL:      DefaultTraktBaseURL,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

// NewTraktSinkWithBaseURL creates a Trakt sink against a custom endpoint.
// Used by tests.
func NewTraktSinkWithBaseURL(cfg config.TraktConfig, baseURL string) *TraktSink {
	s := NewTraktSink(cfg)
	s.baseURL = baseURL
	return s
}

// Name implements pipeline.Sink.
func (s *TraktSink) Name() string { return "trakt" }

// StopPauseThreshold implements pipeline.Sink.
func (s *TraktSink) StopPauseThreshold() float64 {
	if s.cfg.StopPauseThreshold > 0 {
		return s.cfg.StopPauseThreshold
	}
	return traktStopPauseThreshold
}

// AutoRemove implements pipeline.Sink.
func (s *TraktSink) AutoRemove() bool { return s.cfg.AutoRemoveWatchlist }

// Scrobble implements pipeline.Sink.
func (s *TraktSink) Scrobble(ctx context.Context, ev *models.ScrobbleEvent) error {
	var op string
	switch ev.Action {
	case models.ActionStart:
		op = "scrobble/start"
	case models.ActionPause:
		op = "scrobble/pause"
	case models.ActionStop:
		op = "scrobble/stop"
	default:
		return fmt.Errorf("trakt: unsupported action %q", ev.Action)
	}

	bodies := s.scrobbleBodies(ev)
	if len(bodies) == 0 {
		return fmt.Errorf("trakt: no usable ids for %q", ev.Title)
	}
	return s.send(ctx, op, s.baseURL+"/"+op, bodies, ev)
}

// scrobbleBodies builds the candidate request bodies, most specific first.
func (s *TraktSink) scrobbleBodies(ev *models.ScrobbleEvent) []map[string]any {
	var bodies []map[string]any

	if ev.MediaType == models.MediaMovie {
		if ids := idObject(ev.IDs); len(ids) > 0 {
			bodies = append(bodies, map[string]any{
				"movie":    map[string]any{"ids": ids},
				"progress": ev.Progress,
			})
		}
		if ev.Title != "" {
			bodies = append(bodies, map[string]any{
				"movie":    map[string]any{"title": ev.Title, "year": ev.Year},
				"progress": ev.Progress,
			})
		}
		return bodies
	}

	// Episode: exact episode ids beat show ids + numbers beat title/year.
	if ids := idObject(ev.IDs); len(ids) > 0 {
		bodies = append(bodies, map[string]any{
			"episode":  map[string]any{"ids": ids},
			"progress": ev.Progress,
		})
	}
	episodeRef := map[string]any{"season": ev.Season, "number": ev.Episode}
	if showIDs := showIDObject(ev.IDs.ShowIDs()); len(showIDs) > 0 {
		bodies = append(bodies, map[string]any{
			"show":     map[string]any{"ids": showIDs},
			"episode":  episodeRef,
			"progress": ev.Progress,
		})
	}
	if ev.Title != "" {
		bodies = append(bodies, map[string]any{
			"show":     map[string]any{"title": ev.Title, "year": ev.Year},
			"episode":  episodeRef,
			"progress": ev.Progress,
		})
	}
	return bodies
}

// send walks the body ladder with the shared retry rules.
func (s *TraktSink) send(ctx context.Context, op, url string, bodies []map[string]any, ev *models.ScrobbleEvent) error {
	refreshed := false

bodyLoop:
	for _, body := range bodies {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			resp, err := s.client.DoJSON(ctx, op, http.MethodPost, url, s.headers(), body)

			if err != nil && resp == nil {
				if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
					return err
				}
				metrics.SinkRetries.WithLabelValues("trakt", "transport").Inc()
				if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
					return serr
				}
				continue
			}

			switch {
			case resp.Status >= 200 && resp.Status < 300:
				return nil

			case resp.Status == http.StatusUnauthorized && !refreshed:
				refreshed = true
				if rerr := s.refreshAccessToken(ctx); rerr != nil {
					return fmt.Errorf("trakt: token refresh after 401: %w", rerr)
				}
				metrics.SinkRetries.WithLabelValues("trakt", "token_refresh").Inc()
				continue

			case resp.Status == http.StatusNotFound:
				// Unknown to Trakt under this body shape; try the next one.
				continue bodyLoop

			case resp.Status == http.StatusTooManyRequests:
				metrics.SinkRetries.WithLabelValues("trakt", "rate_limited").Inc()
				wait := resp.RetryAfter
				if wait == 0 {
					wait = backoffDelay(attempt)
				}
				if serr := sleepCtx(ctx, wait); serr != nil {
					return serr
				}
				continue

			case resp.Status >= 500:
				metrics.SinkRetries.WithLabelValues("trakt", "server_error").Inc()
				if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
					return serr
				}
				continue

			default:
				return fmt.Errorf("trakt %s: unexpected status %d: %s", op, resp.Status, string(resp.Body))
			}
		}
		return fmt.Errorf("trakt %s: retries exhausted", op)
	}

	// Every body 404ed. For episodes, resolve a Trakt id by searching the
	// external ids directly and retry with it.
	if ev != nil && ev.MediaType == models.MediaEpisode {
		if traktID, ok := s.searchEpisodeID(ctx, ev); ok {
			body := map[string]any{
				"episode":  map[string]any{"ids": map[string]any{"trakt": traktID}},
				"progress": ev.Progress,
			}
			resp, err := s.client.DoJSON(ctx, op, http.MethodPost, url, s.headers(), body)
			if err == nil && resp.Status >= 200 && resp.Status < 300 {
				return nil
			}
		}
	}

	return fmt.Errorf("trakt %s: item not found under any id form", op)
}

// searchEpisodeID resolves an episode's Trakt id via GET /search/{type}/{id}.
func (s *TraktSink) searchEpisodeID(ctx context.Context, ev *models.ScrobbleEvent) (int64, bool) {
	for _, provider := range []string{"imdb", "tvdb", "tmdb"} {
		id := ev.IDs[provider]
		if id == "" {
			continue
		}
		url := fmt.Sprintf("%s/search/%s/%s?type=episode", s.baseURL, provider, id)
		resp, err := s.client.DoJSON(ctx, "search", http.MethodGet, url, s.headers(), nil)
		if err != nil || resp.Status != http.StatusOK {
			continue
		}

		var results []struct {
			Type    string `json:"type"`
			Episode *struct {
				IDs struct {
					Trakt int64 `json:"trakt"`
				} `json:"ids"`
			} `json:"episode"`
		}
		if jerr := json.Unmarshal(resp.Body, &results); jerr != nil {
			continue
		}
		for _, r := range results {
			if r.Type == "episode" && r.Episode != nil && r.Episode.IDs.Trakt > 0 {
				logging.Debug().
					Str("provider", provider).
					Str("id", id).
					Int64("trakt", r.Episode.IDs.Trakt).
					Msg("Resolved episode via search fallback")
				return r.Episode.IDs.Trakt, true
			}
		}
	}
	return 0, false
}

// RemoveFromWatchlist implements pipeline.Sink. Episodes remove their show.
func (s *TraktSink) RemoveFromWatchlist(ctx context.Context, ev *models.ScrobbleEvent) error {
	body := map[string]any{}
	switch ev.MediaType {
	case models.MediaMovie:
		ids := idObject(ev.IDs)
		if len(ids) == 0 {
			return fmt.Errorf("trakt: no ids to remove %q from watchlist", ev.Title)
		}
		body["movies"] = []map[string]any{{"ids": ids}}
	case models.MediaEpisode:
		ids := showIDObject(ev.IDs.ShowIDs())
		if len(ids) == 0 {
			return fmt.Errorf("trakt: no show ids to remove %q from watchlist", ev.Title)
		}
		body["shows"] = []map[string]any{{"ids": ids}}
	default:
		return fmt.Errorf("trakt: unsupported media type %q", ev.MediaType)
	}

	resp, err := s.client.DoJSON(ctx, "watchlist/remove", http.MethodPost,
		s.baseURL+"/sync/watchlist/remove", s.headers(), body)
	if err != nil && resp == nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("trakt watchlist remove: status %d", resp.Status)
	}
	return nil
}

// headers builds the Trakt v2 request headers with the current token.
func (s *TraktSink) headers() http.Header {
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()

	h := http.Header{}
	h.Set("trakt-api-version", "2")
	h.Set("trakt-api-key", s.cfg.ClientID)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// refreshAccessToken performs the OAuth refresh-token grant and swaps the
// tokens in place.
func (s *TraktSink) refreshAccessToken(ctx context.Context) error {
	s.mu.Lock()
	refresh := s.refreshToken
	s.mu.Unlock()

	if refresh == "" {
		return errors.New("no refresh token configured")
	}

	body := map[string]any{
		"refresh_token": refresh,
		"client_id":     s.cfg.ClientID,
		"client_secret": s.cfg.ClientSecret,
		"redirect_uri":  "urn:ietf:wg:oauth:2.0:oob",
		"grant_type":    "refresh_token",
	}
	resp, err := s.client.DoJSON(ctx, "oauth/token", http.MethodPost, s.baseURL+"/oauth/token", http.Header{}, body)
	if err != nil && resp == nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d", resp.Status)
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return errors.New("token endpoint returned empty access token")
	}

	s.mu.Lock()
	s.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refreshToken = tokens.RefreshToken
	}
	s.mu.Unlock()

	logging.Info().Msg("Refreshed Trakt access token")
	return nil
}
