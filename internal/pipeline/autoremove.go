// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package pipeline

import (
	"context"
	"time"

	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/store"
)

// WatchlistRemover fires the completion side effect: one removal sweep per
// finished item, fanned out to every sink with auto-removal enabled. The
// dedup claim is item-scoped, not sink-scoped, so the same completion
// reported by several sinks or providers collapses into a single sweep.
type WatchlistRemover struct {
	sinks []Sink
	dedup *store.DedupStore
	ttl   time.Duration
}

// NewWatchlistRemover creates a remover over the given sinks. dedup may be
// nil, in which case every completion sweeps (tests, single-sink setups).
func NewWatchlistRemover(sinks []Sink, dedup *store.DedupStore, ttl time.Duration) *WatchlistRemover {
	return &WatchlistRemover{sinks: sinks, dedup: dedup, ttl: ttl}
}

// Remove sweeps the finished item out of every auto-remove-enabled sink's
// watchlist, at most once per item per TTL window. Safe on a nil receiver.
func (w *WatchlistRemover) Remove(ctx context.Context, ev *models.ScrobbleEvent) {
	if w == nil {
		return
	}

	var targets []Sink
	for _, s := range w.sinks {
		if s.AutoRemove() {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return
	}

	ids := ev.IDs
	if ev.MediaType == models.MediaEpisode {
		// Watchlists hold shows, not episodes.
		ids = ev.IDs.ShowIDs()
	}
	if len(ids) == 0 {
		return
	}

	if w.dedup != nil {
		key := store.AutoRemoveKey(string(ev.MediaType), ids)
		claimed, err := w.dedup.MarkOnce(key, w.ttl)
		if err != nil {
			logging.Error().Err(err).Str("title", ev.Title).Msg("Auto-remove dedup check failed")
			return
		}
		if !claimed {
			for _, s := range targets {
				metrics.AutoRemoves.WithLabelValues(s.Name(), "deduped").Inc()
			}
			return
		}
	}

	for _, s := range targets {
		if err := s.RemoveFromWatchlist(ctx, ev); err != nil {
			metrics.AutoRemoves.WithLabelValues(s.Name(), "error").Inc()
			logging.Warn().Err(err).
				Str("sink", s.Name()).
				Str("title", ev.Title).
				Msg("Watchlist auto-removal failed")
			continue
		}
		metrics.AutoRemoves.WithLabelValues(s.Name(), "removed").Inc()
		logging.Info().
			Str("sink", s.Name()).
			Str("title", ev.Title).
			Msg("Removed finished item from watchlist")
	}
}
