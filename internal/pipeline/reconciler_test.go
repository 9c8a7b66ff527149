// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/store"
)

// fakeSink records every delivery.
type fakeSink struct {
	name       string
	threshold  float64
	autoRemove bool

	mu        sync.Mutex
	scrobbles []models.ScrobbleEvent
	removals  []models.ScrobbleEvent
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) StopPauseThreshold() float64 { return s.threshold }

func (s *fakeSink) AutoRemove() bool { return s.autoRemove }

func (s *fakeSink) Scrobble(_ context.Context, ev *models.ScrobbleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrobbles = append(s.scrobbles, *ev)
	return nil
}

func (s *fakeSink) RemoveFromWatchlist(_ context.Context, ev *models.ScrobbleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, *ev)
	return nil
}

func (s *fakeSink) sent() []models.ScrobbleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ScrobbleEvent, len(s.scrobbles))
	copy(out, s.scrobbles)
	return out
}

func testScrobbleConfig() config.ScrobbleConfig {
	return config.ScrobbleConfig{
		PauseDebounce:           5 * time.Second,
		StopGrace:               2 * time.Second,
		RegressTolerancePercent: 5,
		ForceStopAt:             95,
		SuppressStartAt:         99,
		QuarantineWindow:        8 * time.Second,
		AutoRemoveTTL:           120 * time.Second,
	}
}

// harness wires a reconciler with a controllable clock.
type harness struct {
	sink *fakeSink
	rec  *Reconciler
	now  time.Time
}

func newHarness(t *testing.T, threshold float64, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		sink: &fakeSink{name: "test", threshold: threshold},
		now:  time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	}
	for _, o := range opts {
		o(h)
	}
	if h.rec == nil {
		remover := NewWatchlistRemover([]Sink{h.sink}, nil, time.Minute)
		h.rec = NewReconciler(h.sink, testScrobbleConfig(), remover, nil)
	}
	h.rec.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func eventAt(action models.Action, progress float64) *models.ScrobbleEvent {
	return &models.ScrobbleEvent{
		Action:     action,
		MediaType:  models.MediaMovie,
		IDs:        models.IDs{"imdb": "tt0113277"},
		Title:      "Heat",
		Year:       1995,
		Account:    "alice",
		ServerUUID: "srv-1",
		SessionKey: "42",
		Progress:   progress,
	}
}

func TestRegressionClamp(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	out := h.rec.Handle(ctx, eventAt(models.ActionStart, 50))
	require.Equal(t, DecisionCommitted, out.Decision)

	h.advance(10 * time.Second)
	out = h.rec.Handle(ctx, eventAt(models.ActionStart, 30))
	require.Equal(t, DecisionCommitted, out.Decision)
	assert.True(t, out.Clamped)
	assert.Equal(t, 50.0, out.Progress, "regressed progress clamped to session high")
}

func TestRegressionWithinToleranceNotClamped(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 50))
	h.advance(10 * time.Second)
	out := h.rec.Handle(ctx, eventAt(models.ActionStart, 47))
	assert.False(t, out.Clamped)
	assert.Equal(t, 47.0, out.Progress)
}

func TestStopDemotedToPauseBelowThreshold(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 40))
	h.advance(time.Minute)
	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 60))

	require.Equal(t, DecisionCommitted, out.Decision)
	assert.True(t, out.Demoted)
	assert.Equal(t, models.ActionPause, out.Action)

	sent := h.sink.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.ActionPause, sent[1].Action)
}

func TestStopPromotedToCompletionAtForceStop(t *testing.T) {
	h := newHarness(t, 80)
	h.sink.autoRemove = true
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 90))
	h.advance(time.Minute)
	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 96))

	require.Equal(t, DecisionCommitted, out.Decision)
	assert.Equal(t, models.ActionStop, out.Action)
	assert.True(t, out.Completion)
	assert.False(t, out.Demoted)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.removals, 1, "completion stop triggers watchlist auto-removal")
}

func TestStopBetweenThresholdAndForceCommitsAsStop(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 85))
	require.Equal(t, DecisionCommitted, out.Decision)
	assert.Equal(t, models.ActionStop, out.Action)
	assert.False(t, out.Completion)
	assert.False(t, out.Demoted)
}

func TestPauseDebounce(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	out := h.rec.Handle(ctx, eventAt(models.ActionPause, 30))
	require.Equal(t, DecisionCommitted, out.Decision)

	h.advance(2 * time.Second)
	out = h.rec.Handle(ctx, eventAt(models.ActionPause, 30))
	assert.Equal(t, DecisionDebounced, out.Decision)

	h.advance(4 * time.Second) // 6s since first pause, window is 5s
	out = h.rec.Handle(ctx, eventAt(models.ActionPause, 30))
	assert.Equal(t, DecisionCommitted, out.Decision)

	assert.Len(t, h.sink.sent(), 2)
}

func TestDuplicateStopSuppressed(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 85))
	require.Equal(t, DecisionCommitted, out.Decision)

	// Within the stop grace period
	h.advance(time.Second)
	out = h.rec.Handle(ctx, eventAt(models.ActionStop, 85.5))
	assert.Equal(t, DecisionDebounced, out.Decision)

	// Past the grace but within +-1% of the recorded stop
	h.advance(2 * time.Second)
	out = h.rec.Handle(ctx, eventAt(models.ActionStop, 85.8))
	assert.Equal(t, DecisionDebounced, out.Decision)

	// A straggler minutes later is still the same stop.
	h.advance(3 * time.Minute)
	out = h.rec.Handle(ctx, eventAt(models.ActionStop, 85.2))
	assert.Equal(t, DecisionDebounced, out.Decision)

	assert.Len(t, h.sink.sent(), 1)
}

func TestFreshStartResetsSession(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 50))
	h.advance(time.Hour)

	// Rewatch: start from the beginning must not be clamped back to 50.
	out := h.rec.Handle(ctx, eventAt(models.ActionStart, 1))
	require.Equal(t, DecisionCommitted, out.Decision)
	assert.False(t, out.Clamped)
	assert.Equal(t, 1.0, out.Progress)
}

func TestSuspiciousHundredClamped(t *testing.T) {
	h := newHarness(t, 80)
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 40))
	h.advance(time.Minute)
	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 100))

	require.Equal(t, DecisionCommitted, out.Decision)
	assert.True(t, out.Clamped)
	assert.Equal(t, 40.0, out.Progress, "misreported 100 clamped to session high")
	assert.Equal(t, models.ActionPause, out.Action, "clamped stop demoted below threshold")
	assert.False(t, out.Completion)
}

func TestStartSuppressedNearCredits(t *testing.T) {
	h := newHarness(t, 80)

	out := h.rec.Handle(context.Background(), eventAt(models.ActionStart, 99.5))
	assert.Equal(t, DecisionSuppressed, out.Decision)
	assert.Empty(t, h.sink.sent())
}

// nextItemStart is an autoplay follow-up: a different item starting near 0%
// in a new session on the same server.
func nextItemStart() *models.ScrobbleEvent {
	return &models.ScrobbleEvent{
		Action:     models.ActionStart,
		MediaType:  models.MediaEpisode,
		IDs:        models.IDs{"tvdb": "999"},
		Title:      "Next Up",
		Season:     1,
		Episode:    1,
		Progress:   0.5,
		Account:    "alice",
		ServerUUID: "srv-1",
		SessionKey: "43",
	}
}

// quarantineHarness wires a reconciler whose quarantine timer fires only
// when the test releases it.
func quarantineHarness(t *testing.T, probe ProbeFunc) (*harness, chan time.Time) {
	t.Helper()
	h := newHarness(t, 80)
	h.rec = NewReconciler(h.sink, testScrobbleConfig(), nil, probe)
	h.rec.now = func() time.Time { return h.now }
	release := make(chan time.Time)
	h.rec.after = func(time.Duration) <-chan time.Time { return release }
	return h, release
}

func TestAutoplayQuarantineDropsStoppedPlayer(t *testing.T) {
	probe := func(_ context.Context, _ *models.ScrobbleEvent) (bool, error) {
		return false, nil
	}
	h, release := quarantineHarness(t, probe)
	ctx := context.Background()

	// Complete item A.
	h.rec.Handle(ctx, eventAt(models.ActionStart, 90))
	h.advance(time.Minute)
	out := h.rec.Handle(ctx, eventAt(models.ActionStop, 97))
	require.True(t, out.Completion)

	// Autoplay kicks off item B 3 seconds later at 0%: held, not forwarded.
	h.advance(3 * time.Second)
	out = h.rec.Handle(ctx, nextItemStart())
	assert.Equal(t, DecisionQuarantined, out.Decision)
	assert.Len(t, h.sink.sent(), 2, "held start not delivered at arrival")

	// Window elapses, the re-sample finds the player stopped: dropped.
	release <- time.Time{}
	assert.Never(t, func() bool {
		return len(h.sink.sent()) > 2
	}, 300*time.Millisecond, 25*time.Millisecond, "stopped player's start must never be delivered")
}

func TestAutoplayQuarantineForwardsAfterResample(t *testing.T) {
	probe := func(_ context.Context, _ *models.ScrobbleEvent) (bool, error) {
		return true, nil
	}
	h, release := quarantineHarness(t, probe)
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStart, 90))
	h.advance(time.Minute)
	h.rec.Handle(ctx, eventAt(models.ActionStop, 97))

	h.advance(3 * time.Second)
	out := h.rec.Handle(ctx, nextItemStart())
	require.Equal(t, DecisionQuarantined, out.Decision)

	// A duplicate start while held is absorbed by the held copy.
	h.advance(time.Second)
	out = h.rec.Handle(ctx, nextItemStart())
	require.Equal(t, DecisionQuarantined, out.Decision)

	release <- time.Time{}
	require.Eventually(t, func() bool {
		return len(h.sink.sent()) == 3
	}, 2*time.Second, 10*time.Millisecond, "exactly one start delivered after the window")

	sent := h.sink.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, models.ActionStart, last.Action)
	assert.Equal(t, "Next Up", last.Title)
}

func TestQuarantineWindowExpires(t *testing.T) {
	probeCalled := false
	probe := func(_ context.Context, _ *models.ScrobbleEvent) (bool, error) {
		probeCalled = true
		return false, nil
	}

	h := newHarness(t, 80)
	h.rec = NewReconciler(h.sink, testScrobbleConfig(), nil, probe)
	h.rec.now = func() time.Time { return h.now }
	ctx := context.Background()

	h.rec.Handle(ctx, eventAt(models.ActionStop, 97))

	// 20 seconds later is outside the window: no probe, normal dispatch.
	h.advance(20 * time.Second)
	next := eventAt(models.ActionStart, 1)
	next.IDs = models.IDs{"imdb": "tt9999999"}
	next.SessionKey = "43"
	out := h.rec.Handle(ctx, next)

	assert.Equal(t, DecisionCommitted, out.Decision)
	assert.False(t, probeCalled)
}

func testDedupStore(t *testing.T) *store.DedupStore {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewDedupStore(db)
}

func TestAutoRemoveDedupedPerTTL(t *testing.T) {
	sink := &fakeSink{name: "trakt", threshold: 80, autoRemove: true}
	remover := NewWatchlistRemover([]Sink{sink}, testDedupStore(t), 120*time.Second)
	rec := NewReconciler(sink, testScrobbleConfig(), remover, nil)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return now }
	ctx := context.Background()

	// Two completion stops for the same item from different sessions.
	first := eventAt(models.ActionStop, 97)
	rec.Handle(ctx, first)

	now = now.Add(time.Minute)
	second := eventAt(models.ActionStop, 97)
	second.SessionKey = "other-session"
	rec.Handle(ctx, second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.removals, 1, "auto-remove fires once per TTL window")
}

func TestAutoRemoveSweepsAllSinksOnce(t *testing.T) {
	// Both sinks see the same completion through their own reconcilers; the
	// item-scoped claim collapses the two sweeps into one, and that one
	// sweep covers both watchlists.
	trakt := &fakeSink{name: "trakt", threshold: 80, autoRemove: true}
	simkl := &fakeSink{name: "simkl", threshold: 85, autoRemove: true}
	remover := NewWatchlistRemover([]Sink{trakt, simkl}, testDedupStore(t), 120*time.Second)

	recA := NewReconciler(trakt, testScrobbleConfig(), remover, nil)
	recB := NewReconciler(simkl, testScrobbleConfig(), remover, nil)
	ctx := context.Background()

	recA.Handle(ctx, eventAt(models.ActionStop, 97))
	recB.Handle(ctx, eventAt(models.ActionStop, 97))

	trakt.mu.Lock()
	assert.Len(t, trakt.removals, 1)
	trakt.mu.Unlock()
	simkl.mu.Lock()
	assert.Len(t, simkl.removals, 1)
	simkl.mu.Unlock()
}

func TestEpisodeAutoRemoveUsesShowIDs(t *testing.T) {
	sink := &fakeSink{name: "trakt", threshold: 80, autoRemove: true}
	rec := NewReconciler(sink, testScrobbleConfig(), NewWatchlistRemover([]Sink{sink}, nil, time.Minute), nil)
	ctx := context.Background()

	ep := &models.ScrobbleEvent{
		Action:     models.ActionStop,
		MediaType:  models.MediaEpisode,
		IDs:        models.IDs{"tvdb": "111", "tvdb_show": "81189", "imdb_show": "tt0944947"},
		Title:      "Finale",
		Season:     8,
		Episode:    6,
		Progress:   98,
		ServerUUID: "srv-1",
		SessionKey: "9",
	}
	out := rec.Handle(ctx, ep)
	require.True(t, out.Completion)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.removals, 1)
}

func TestFullSessionSequence(t *testing.T) {
	// A complete viewing: start near zero, pause at 40, resume, stop at 97.
	// Every transition is delivered once per sink, the stop promotes to a
	// completion, and the shared remover sweeps each watchlist exactly once.
	trakt := &fakeSink{name: "trakt", threshold: 80, autoRemove: true}
	simkl := &fakeSink{name: "simkl", threshold: 85, autoRemove: true}
	remover := NewWatchlistRemover([]Sink{trakt, simkl}, testDedupStore(t), 120*time.Second)

	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	recs := []*Reconciler{
		NewReconciler(trakt, testScrobbleConfig(), remover, nil),
		NewReconciler(simkl, testScrobbleConfig(), remover, nil),
	}
	for _, rec := range recs {
		rec.now = func() time.Time { return now }
	}

	ctx := context.Background()
	feed := []struct {
		ev      *models.ScrobbleEvent
		advance time.Duration
	}{
		{eventAt(models.ActionStart, 1), 0},
		{eventAt(models.ActionPause, 40), 40 * time.Minute},
		{eventAt(models.ActionStart, 40), 10 * time.Second},
		{eventAt(models.ActionStop, 97), 55 * time.Minute},
	}

	var finals []Outcome
	for _, step := range feed {
		now = now.Add(step.advance)
		for _, rec := range recs {
			finals = append(finals, rec.Handle(ctx, step.ev))
		}
	}

	for _, out := range finals {
		require.Equal(t, DecisionCommitted, out.Decision)
	}
	assert.True(t, finals[len(finals)-1].Completion)

	want := []models.Action{
		models.ActionStart,
		models.ActionPause,
		models.ActionStart,
		models.ActionStop,
	}
	for _, sink := range []*fakeSink{trakt, simkl} {
		sent := sink.sent()
		require.Len(t, sent, 4, sink.name)
		for i, ev := range sent {
			assert.Equal(t, want[i], ev.Action, sink.name)
		}
		assert.InDelta(t, 97.0, sent[3].Progress, 0.01, sink.name)

		sink.mu.Lock()
		assert.Len(t, sink.removals, 1, "%s swept exactly once", sink.name)
		sink.mu.Unlock()
	}
}

func TestIgnoresInvalidEvents(t *testing.T) {
	h := newHarness(t, 80)

	out := h.rec.Handle(context.Background(), &models.ScrobbleEvent{Action: "seek", MediaType: models.MediaMovie})
	assert.Equal(t, DecisionIgnored, out.Decision)

	out = h.rec.Handle(context.Background(), &models.ScrobbleEvent{Action: models.ActionStart, MediaType: "track"})
	assert.Equal(t, DecisionIgnored, out.Decision)
}
