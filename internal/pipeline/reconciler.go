// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
)

// Sink is the delivery target of reconciled events. Implementations live in
// internal/sinks; the reconciler only needs thresholds and the two verbs.
type Sink interface {
	// Name identifies the sink in logs, metrics, and dedup keys.
	Name() string

	// StopPauseThreshold is the progress percentage below which a stop is
	// demoted to a pause (the item does not count as watched yet).
	StopPauseThreshold() float64

	// Scrobble delivers a reconciled event.
	Scrobble(ctx context.Context, ev *models.ScrobbleEvent) error

	// RemoveFromWatchlist removes the finished item from the account's
	// watchlist. Only called when AutoRemove() is true.
	RemoveFromWatchlist(ctx context.Context, ev *models.ScrobbleEvent) error

	// AutoRemove reports whether watchlist auto-removal is enabled.
	AutoRemove() bool
}

// ProbeFunc re-samples the live session for an event and reports whether the
// item is actually playing. Used by the autoplay quarantine; a nil probe
// forwards quarantine candidates unverified.
type ProbeFunc func(ctx context.Context, ev *models.ScrobbleEvent) (bool, error)

// Decision is the reconciler's final verdict on an event.
type Decision string

// Reconciler decisions.
const (
	DecisionCommitted   Decision = "committed"
	DecisionDebounced   Decision = "debounced"
	DecisionSuppressed  Decision = "suppressed"
	DecisionQuarantined Decision = "quarantined"
	DecisionIgnored     Decision = "ignored"
	DecisionError       Decision = "error"
)

// Outcome describes what the reconciler did with one event for one sink.
type Outcome struct {
	Sink     string
	Decision Decision

	// Action and Progress are what was actually sent, after demotion and
	// clamping. Only meaningful when Decision is committed.
	Action   models.Action
	Progress float64

	Demoted    bool // stop reclassified as pause
	Clamped    bool // progress rewritten by a clamp rule
	Completion bool // committed stop at/above the force-stop threshold

	Err error
}

// Reconciler runs the per-session progress state machine for a single sink.
// Events for the same session must arrive in order; the dispatcher
// guarantees this by dispatching synchronously.
type Reconciler struct {
	sink    Sink
	cfg     config.ScrobbleConfig
	remover *WatchlistRemover
	probe   ProbeFunc

	mu       sync.Mutex
	sessions map[string]*sessionState

	// itemHigh is the highest progress ever seen per item across sessions;
	// it backs fresh-start (rewatch) detection.
	itemHigh map[string]float64

	lastCompletion *completionMark

	// held tracks sessions with a quarantined start waiting out the window.
	held map[string]struct{}

	// now and after are swappable for tests.
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// NewReconciler creates a reconciler for one sink. remover coordinates the
// watchlist auto-removal side effect across sinks and may be nil. probe may
// be nil.
func NewReconciler(sink Sink, cfg config.ScrobbleConfig, remover *WatchlistRemover, probe ProbeFunc) *Reconciler {
	return &Reconciler{
		sink:     sink,
		cfg:      cfg,
		remover:  remover,
		probe:    probe,
		sessions: make(map[string]*sessionState),
		itemHigh: make(map[string]float64),
		held:     make(map[string]struct{}),
		now:      time.Now,
		after:    time.After,
	}
}

// Handle runs one event through the decision ladder and, when it survives,
// delivers it to the sink.
func (r *Reconciler) Handle(ctx context.Context, ev *models.ScrobbleEvent) Outcome {
	return r.handle(ctx, ev, false)
}

// handle is the decision ladder. The order is load-bearing: fresh-start
// detection must precede the regression clamp, and all clamps must precede
// the stop/pause threshold comparison. released marks an event re-entering
// after its quarantine hold elapsed; it skips the quarantine gate.
func (r *Reconciler) handle(ctx context.Context, ev *models.ScrobbleEvent, released bool) Outcome {
	if !ev.Action.Valid() || (ev.MediaType != models.MediaMovie && ev.MediaType != models.MediaEpisode) {
		return r.finish(Outcome{Sink: r.sink.Name(), Decision: DecisionIgnored})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := ev.SessionID()
	itemKey := ev.ItemKey()
	action := ev.Action
	progress := models.ClampProgress(ev.Progress)

	out := Outcome{Sink: r.sink.Name(), Action: action, Progress: progress}

	st := r.sessions[key]

	// Fresh start: a start at the very beginning of an item we previously
	// saw deep progress on is a rewatch, not a regression.
	freshStart := false
	if action == models.ActionStart && progress <= 2 {
		priorHigh := r.itemHigh[itemKey]
		if (st != nil && st.sessionHigh >= 10) || priorHigh >= 10 {
			freshStart = true
			st = nil
			delete(r.sessions, key)
		}
	}

	// Start suppression: credits/autoplay flicker reports ~100% starts.
	if action == models.ActionStart && progress >= r.cfg.SuppressStartAt {
		return r.finish(out.suppress())
	}

	// Autoplay quarantine: a start for a different item right after a
	// completion stop is held until the window elapses, then the live
	// session is re-sampled and the start forwarded only if still playing.
	if !released && action == models.ActionStart && progress <= 5 && r.lastCompletion != nil {
		lc := r.lastCompletion
		if lc.itemKey != itemKey && lc.serverUUID == ev.ServerUUID && now.Sub(lc.at) <= r.cfg.QuarantineWindow {
			r.holdStart(ev, r.cfg.QuarantineWindow-now.Sub(lc.at))
			return r.finish(out.quarantine())
		}
	}

	if st == nil {
		st = &sessionState{itemKey: itemKey}
		r.sessions[key] = st
	}

	// Regression clamp: backward jumps beyond tolerance within a session
	// are transient player glitches; hold the high-water mark.
	if !freshStart && st.sessionHigh > 0 && progress < st.sessionHigh-r.cfg.RegressTolerancePercent {
		progress = st.sessionHigh
		out.Clamped = true
	}

	// Suspicious-100 clamp: a pause/stop at ~100 when the session never got
	// near the end is a player misreport, not a completion.
	if (action == models.ActionPause || action == models.ActionStop) &&
		progress >= 98 && st.sessionHigh > 0 && st.sessionHigh < r.cfg.ForceStopAt {
		progress = st.sessionHigh
		out.Clamped = true
	}

	// Stop reclassification against the sink's watched threshold.
	completion := false
	if action == models.ActionStop {
		switch {
		case progress >= r.cfg.ForceStopAt:
			completion = true
		case progress < r.sink.StopPauseThreshold():
			action = models.ActionPause
			out.Demoted = true
		}
	}

	// Debounce.
	switch action {
	case models.ActionPause:
		if !st.lastPauseSent.IsZero() && now.Sub(st.lastPauseSent) < r.cfg.PauseDebounce {
			return r.finish(out.debounce())
		}
	case models.ActionStop:
		if !st.lastStopSent.IsZero() {
			if now.Sub(st.lastStopSent) < r.cfg.StopGrace {
				return r.finish(out.debounce())
			}
			// A stop within 1% of the last recorded stop is the same stop,
			// however late it arrives.
			if math.Abs(progress-st.lastStopProgress) <= 1 {
				return r.finish(out.debounce())
			}
		}
	}

	out.Action = action
	out.Progress = progress
	out.Completion = completion

	send := *ev
	send.Action = action
	send.Progress = progress

	if err := r.sink.Scrobble(ctx, &send); err != nil {
		out.Decision = DecisionError
		out.Err = err
		logging.Error().Err(err).
			Str("sink", r.sink.Name()).
			Str("action", string(action)).
			Str("title", ev.Title).
			Msg("Scrobble delivery failed")
		return r.finish(out)
	}

	// Commit bookkeeping.
	st.lastAction = action
	st.lastProgress = progress
	if progress > st.sessionHigh {
		st.sessionHigh = progress
	}
	if progress > r.itemHigh[itemKey] {
		r.itemHigh[itemKey] = progress
	}

	switch action {
	case models.ActionPause:
		st.lastPauseSent = now
	case models.ActionStop:
		st.lastStopSent = now
		st.lastStopProgress = progress
		if completion {
			r.lastCompletion = &completionMark{itemKey: itemKey, serverUUID: ev.ServerUUID, at: now}
			r.remover.Remove(ctx, &send)
		}
	}

	out.Decision = DecisionCommitted
	return r.finish(out)
}

// holdStart parks a quarantined start and schedules its release. Repeated
// starts for an already-held session are dropped; the held copy speaks for
// them. Called with r.mu held.
func (r *Reconciler) holdStart(ev *models.ScrobbleEvent, remaining time.Duration) {
	key := ev.SessionID()
	if _, ok := r.held[key]; ok {
		return
	}
	r.held[key] = struct{}{}

	held := *ev
	held.IDs = ev.IDs.Clone()
	go r.releaseHeld(&held, remaining)
}

// releaseHeld waits out the quarantine window, re-samples the live session,
// and forwards the start only if the player is still actually playing. A
// probe error or an absent probe forwards the event: a false positive
// scrobble start is cheaper than silently dropping real playback.
func (r *Reconciler) releaseHeld(ev *models.ScrobbleEvent, remaining time.Duration) {
	<-r.after(remaining)

	ctx := context.Background()
	playing := true
	if r.probe != nil {
		p, err := r.probe(ctx, ev)
		if err != nil {
			logging.Warn().Err(err).
				Str("sink", r.sink.Name()).
				Str("title", ev.Title).
				Msg("Quarantine probe failed, forwarding start")
		} else {
			playing = p
		}
	}

	r.mu.Lock()
	delete(r.held, ev.SessionID())
	r.mu.Unlock()

	if !playing {
		logging.Info().
			Str("sink", r.sink.Name()).
			Str("title", ev.Title).
			Msg("Dropped autoplay start, session no longer live")
		r.finish(Outcome{Sink: r.sink.Name(), Decision: DecisionSuppressed})
		return
	}
	r.handle(ctx, ev, true)
}

// finish records the decision metric and returns the outcome.
func (r *Reconciler) finish(out Outcome) Outcome {
	metrics.RecordDecision(out.Sink, string(out.Decision))
	return out
}

func (o Outcome) suppress() Outcome {
	o.Decision = DecisionSuppressed
	return o
}

func (o Outcome) debounce() Outcome {
	o.Decision = DecisionDebounced
	return o
}

func (o Outcome) quarantine() Outcome {
	o.Decision = DecisionQuarantined
	return o
}
