// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package sinks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

// DefaultMDBListBaseURL is the production MDBList API endpoint.
const DefaultMDBListBaseURL = "https://api.mdblist.com"

// mdblistStopPauseThreshold is the default watched cutoff: MDBList counts an
// item watched from 85%. Overridable per deployment via sink config.
const mdblistStopPauseThreshold = 85

// MDBListSink delivers scrobbles to MDBList.
//
// MDBList specifics:
//   - progress is quantized to the configured step so rapid position
//     updates collapse into a handful of distinct values
//   - the per-item body skeleton is memoized; only progress and action
//     change between events of one session
//   - imdb ids failing the sanity check and out-of-range tvdb show ids are
//     dropped before the request is built
type MDBListSink struct {
	client  *Client
	cfg     config.MDBListConfig
	baseURL string

	mu        sync.Mutex
	skeletons map[string]map[string]any
}

// NewMDBListSink creates the MDBList sink.
func NewMDBListSink(cfg config.MDBListConfig) *MDBListSink {
	return &MDBListSink{
		client:    NewClient("mdblist"),
		cfg:       cfg,
		baseURL:   DefaultMDBListBaseURL,
		skeletons: make(map[string]map[string]any),
	}
}

// NewMDBListSinkWithBaseURL creates an MDBList sink against a custom
// endpoint. Used by tests.
func NewMDBListSinkWithBaseURL(cfg config.MDBListConfig, baseURL string) *MDBListSink {
	s := NewMDBListSink(cfg)
	s.baseURL = baseURL
	return s
}

// Name implements pipeline.Sink.
func (s *MDBListSink) Name() string { return "mdblist" }

// StopPauseThreshold implements pipeline.Sink.
func (s *MDBListSink) StopPauseThreshold() float64 {
	if s.cfg.StopPauseThreshold > 0 {
		return s.cfg.StopPauseThreshold
	}
	return mdblistStopPauseThreshold
}

// AutoRemove implements pipeline.Sink.
func (s *MDBListSink) AutoRemove() bool { return s.cfg.AutoRemoveWatchlist }

// QuantizeProgress rounds progress down to the configured step, keeping 100
// exact so completions stay completions.
func (s *MDBListSink) QuantizeProgress(p float64) float64 {
	step := float64(s.cfg.ProgressStep)
	if step <= 0 {
		return p
	}
	if p >= 100 {
		return 100
	}
	return math.Floor(p/step) * step
}

// Scrobble implements pipeline.Sink.
func (s *MDBListSink) Scrobble(ctx context.Context, ev *models.ScrobbleEvent) error {
	body := s.body(ev)
	if body == nil {
		return fmt.Errorf("mdblist: no usable ids for %q", ev.Title)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := s.client.DoJSON(ctx, "scrobble", http.MethodPost,
			s.baseURL+"/scrobble?apikey="+s.cfg.APIKey, http.Header{}, body)

		if err != nil && resp == nil {
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				return err
			}
			metrics.SinkRetries.WithLabelValues("mdblist", "transport").Inc()
			if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
				return serr
			}
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return nil
		case resp.Status == http.StatusTooManyRequests:
			metrics.SinkRetries.WithLabelValues("mdblist", "rate_limited").Inc()
			wait := resp.RetryAfter
			if wait == 0 {
				wait = backoffDelay(attempt)
			}
			if serr := sleepCtx(ctx, wait); serr != nil {
				return serr
			}
			continue
		case resp.Status >= 500:
			metrics.SinkRetries.WithLabelValues("mdblist", "server_error").Inc()
			if serr := sleepCtx(ctx, backoffDelay(attempt)); serr != nil {
				return serr
			}
			continue
		default:
			return fmt.Errorf("mdblist scrobble: unexpected status %d: %s", resp.Status, string(resp.Body))
		}
	}
	return errors.New("mdblist scrobble: retries exhausted")
}

// body assembles the request from the memoized per-item skeleton plus the
// event's action and quantized progress.
func (s *MDBListSink) body(ev *models.ScrobbleEvent) map[string]any {
	skeleton := s.skeleton(ev)
	if skeleton == nil {
		return nil
	}

	body := make(map[string]any, len(skeleton)+2)
	for k, v := range skeleton {
		body[k] = v
	}
	body["action"] = string(ev.Action)
	body["progress"] = s.QuantizeProgress(ev.Progress)
	return body
}

// skeleton returns the immutable body parts for an item, building and
// caching them on first sight.
func (s *MDBListSink) skeleton(ev *models.ScrobbleEvent) map[string]any {
	key := ev.ItemKey()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sk, ok := s.skeletons[key]; ok {
		return sk
	}

	var sk map[string]any
	if ev.MediaType == models.MediaMovie {
		ids := idObject(ev.IDs)
		if len(ids) == 0 {
			return nil
		}
		sk = map[string]any{
			"media_type": "movie",
			"ids":        ids,
		}
	} else {
		showIDs := showIDObject(ev.IDs.ShowIDs())
		if len(showIDs) == 0 {
			return nil
		}
		sk = map[string]any{
			"media_type": "episode",
			"ids":        showIDs,
			"episode": map[string]any{
				"season": ev.Season,
				"number": ev.Episode,
			},
		}
	}
	if ev.Title != "" {
		sk["title"] = ev.Title
	}
	if ev.Year > 0 {
		sk["year"] = ev.Year
	}

	s.skeletons[key] = sk
	return sk
}

// RemoveFromWatchlist implements pipeline.Sink.
func (s *MDBListSink) RemoveFromWatchlist(ctx context.Context, ev *models.ScrobbleEvent) error {
	var ids map[string]any
	switch ev.MediaType {
	case models.MediaMovie:
		ids = idObject(ev.IDs)
	case models.MediaEpisode:
		ids = showIDObject(ev.IDs.ShowIDs())
	default:
		return fmt.Errorf("mdblist: unsupported media type %q", ev.MediaType)
	}
	if len(ids) == 0 {
		return fmt.Errorf("mdblist: no ids to remove %q from watchlist", ev.Title)
	}

	body := map[string]any{"ids": ids, "media_type": string(ev.MediaType)}
	resp, err := s.client.DoJSON(ctx, "watchlist/remove", http.MethodPost,
		s.baseURL+"/watchlist/remove?apikey="+s.cfg.APIKey, http.Header{}, body)
	if err != nil && resp == nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return fmt.Errorf("mdblist watchlist remove: status %d", resp.Status)
	}
	return nil
}
