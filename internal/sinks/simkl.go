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

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

// DefaultSimklBaseURL is the production SIMKL API endpoint.
const DefaultSimklBaseURL = "https://api.simkl.com"

// simklStopPauseThreshold is the default watched cutoff: SIMKL counts an
// item watched from 85%. Overridable per deployment via sink config.
const simklStopPauseThreshold = 85

// SimklSink delivers scrobbles to the SIMKL API.
//
// SIMKL quirks handled here:
//   - 409 on a stop means "already marked watched" and is treated as
//     success, so the auto-remove side effect still runs
//   - 423 (account locked) is terminal for the event, not retried
//   - 429 honors Retry-After like the other sinks
type SimklSink struct {
	client  *Client
	cfg     config.SimklConfig
	baseURL string
}

// NewSimklSink creates the SIMKL sink.
func NewSimklSink(cfg config.SimklConfig) *SimklSink {
	return &SimklSink{
		client:  NewClient("simkl"),
		cfg:     cfg,
		baseURL: DefaultSimklBaseURL,
	}
}

// NewSimklSinkWithBaseURL creates a SIMKL sink against a custom endpoint.
// Used by tests.
func NewSimklSinkWithBaseURL(cfg config.SimklConfig, baseURL string) *SimklSink {
	s := NewSimklSink(cfg)
	s.baseURL = baseURL
	return s
}

// Name implements pipeline.Sink.
func (s *SimklSink) Name() string { return "simkl" }

// StopPauseThreshold implements pipeline.Sink.
func (s *SimklSink) StopPauseThreshold() float64 {
	if s.cfg.StopPauseThreshold > 0 {
		return s.cfg.StopPauseThreshold
	}
	return simklStopPauseThreshold
}

// AutoRemove implements pipeline.Sink.
func (s *SimklSink) AutoRemove() bool { return s.cfg.AutoRemoveWatchlist }

// Scrobble implements pipeline.Sink.
func (s *SimklSink) Scrobble(ctx context.Context, ev *models.ScrobbleEvent) error {
	var op string
	switch ev.Action {
	case models.ActionStart:
		op = "scrobble/start"
	case models.ActionPause:
		op = "scrobble/pause"
	case models.ActionStop:
		op = "scrobble/stop"
	default:
		return fmt.Errorf("simkl: unsupported action %q", ev.Action)
	}

	body := s.scrobbleBody(ev)
	if body == nil {
		return fmt.Errorf("simkl: no usable ids for %q", ev.Title)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := s.client.DoJSON(ctx, op, http.MethodPost, s.baseURL+"/"+op, s.headers(), body)

		if err != nil && resp == nil {
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				return err
			}
			metrics.SinkRetries.WithLabelValues("simkl", "transport").Inc()
			if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
				return serr
			}
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return nil

		case resp.Status == http.StatusConflict && ev.Action == models.ActionStop:
			// Already marked watched: duplicate stop, not a failure.
			logging.Debug().Str("title", ev.Title).Msg("SIMKL reports item already watched")
			return nil

		case resp.Status == http.StatusLocked:
			return fmt.Errorf("simkl %s: account locked (423)", op)

		case resp.Status == http.StatusTooManyRequests:
			metrics.SinkRetries.WithLabelValues("simkl", "rate_limited").Inc()
			wait := resp.RetryAfter
			if wait == 0 {
				wait = backoffDelay(attempt)
			}
			if serr := sleepCtx(ctx, wait); serr != nil {
				return serr
			}
			continue

		case resp.Status >= 500:
			metrics.SinkRetries.WithLabelValues("simkl", "server_error").Inc()
			if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
				return serr
			}
			continue

		default:
			return fmt.Errorf("simkl %s: unexpected status %d: %s", op, resp.Status, string(resp.Body))
		}
	}
	return fmt.Errorf("simkl %s: retries exhausted", op)
}

// scrobbleBody builds the request payload. SIMKL takes one body shape with
// either a movie or a show+episode block.
func (s *SimklSink) scrobbleBody(ev *models.ScrobbleEvent) map[string]any {
	if ev.MediaType == models.MediaMovie {
		ids := idObject(ev.IDs)
		if len(ids) == 0 && ev.Title == "" {
			return nil
		}
		movie := map[string]any{"ids": ids}
		if ev.Title != "" {
			movie["title"] = ev.Title
			movie["year"] = ev.Year
		}
		return map[string]any{"movie": movie, "progress": ev.Progress}
	}

	showIDs := showIDObject(ev.IDs.ShowIDs())
	if len(showIDs) == 0 && ev.Title == "" {
		return nil
	}
	show := map[string]any{"ids": showIDs}
	if ev.Title != "" {
		show["title"] = ev.Title
	}
	return map[string]any{
		"show":     show,
		"episode":  map[string]any{"season": ev.Season, "number": ev.Episode},
		"progress": ev.Progress,
	}
}

// RemoveFromWatchlist implements pipeline.Sink. SIMKL models the watchlist
// as the "plantowatch" list; removal moves the item out of it.
func (s *SimklSink) RemoveFromWatchlist(ctx context.Context, ev *models.ScrobbleEvent) error {
	body := map[string]any{}
	switch ev.MediaType {
	case models.MediaMovie:
		ids := idObject(ev.IDs)
		if len(ids) == 0 {
			return fmt.Errorf("simkl: no ids to remove %q from watchlist", ev.Title)
		}
		body["movies"] = []map[string]any{{"ids": ids}}
	case models.MediaEpisode:
		ids := showIDObject(ev.IDs.ShowIDs())
		if len(ids) == 0 {
			return fmt.Errorf("simkl: no show ids to remove %q from watchlist", ev.Title)
		}
		body["shows"] = []map[string]any{{"ids": ids}}
	default:
		return fmt.Errorf("simkl: unsupported media type %q", ev.MediaType)
	}

	resp, err := s.client.DoJSON(ctx, "watchlist/remove", http.MethodPost,
		s.baseURL+"/sync/watchlist/remove", s.headers(), body)
	if err != nil && resp == nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("simkl watchlist remove: status %d", resp.Status)
	}
	return nil
}

func (s *SimklSink) headers() http.Header {
	h := http.Header{}
	h.Set("simkl-api-key", s.cfg.ClientID)
	if s.cfg.AccessToken != "" {
		h.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}
	return h
}
