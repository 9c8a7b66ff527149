// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package pipeline

import (
	"context"
	"strings"

	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/store"
)

// Filters restrict which events a route forwards.
type Filters struct {
	// Usernames is a whitelist of accounts. Plain entries match the display
	// name with case and punctuation ignored ("John Doe" matches
	// "john.doe"); "id:"- and "uuid:"-prefixed entries match the provider's
	// account identifiers instead. Empty means all accounts pass.
	Usernames []string

	// ServerUUID restricts the route to one originating server. Empty
	// means all servers pass.
	ServerUUID string
}

// normalizeAccount lowercases a display name and strips everything but
// letters and digits, so "John.Doe" and "john doe" compare equal.
func normalizeAccount(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.ToLower(s))
}

// Allows reports whether an event passes the filters.
func (f Filters) Allows(ev *models.ScrobbleEvent) bool {
	if f.ServerUUID != "" && ev.ServerUUID != "" && !strings.EqualFold(f.ServerUUID, ev.ServerUUID) {
		return false
	}
	if len(f.Usernames) == 0 {
		return true
	}
	name := normalizeAccount(ev.Account)
	for _, u := range f.Usernames {
		u = strings.TrimSpace(u)
		lower := strings.ToLower(u)
		switch {
		case strings.HasPrefix(lower, "id:"), strings.HasPrefix(lower, "uuid:"):
			want := u[strings.Index(u, ":")+1:]
			if want == "" {
				continue
			}
			if strings.EqualFold(want, ev.AccountID) || strings.EqualFold(want, ev.AccountUUID) {
				return true
			}
		default:
			if n := normalizeAccount(u); n != "" && n == name {
				return true
			}
		}
	}
	return false
}

// Dispatcher applies one route's filters and forwards surviving events to
// the route's sink reconciler. Dispatch is synchronous so a session's events
// reach the reconciler in arrival order.
type Dispatcher struct {
	route      string
	filters    Filters
	reconciler *Reconciler
}

// NewDispatcher creates a dispatcher for one route.
func NewDispatcher(route string, filters Filters, reconciler *Reconciler) *Dispatcher {
	return &Dispatcher{route: route, filters: filters, reconciler: reconciler}
}

// Dispatch runs one event through the route. Filtered events return an
// ignored outcome without touching the reconciler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.ScrobbleEvent) Outcome {
	if !d.filters.Allows(ev) {
		logging.Debug().
			Str("route", d.route).
			Str("account", ev.Account).
			Str("server", ev.ServerUUID).
			Msg("Event filtered")
		return Outcome{Sink: d.reconciler.sink.Name(), Decision: DecisionIgnored}
	}
	return d.reconciler.Handle(ctx, ev)
}

// MultiDispatcher fans one event out to every route of a watch group, in
// route order, and maintains the shared currently-watching snapshot.
type MultiDispatcher struct {
	dispatchers []*Dispatcher
	snapshot    *store.SnapshotWriter
	source      string
}

// NewMultiDispatcher creates a fan-out over the given dispatchers. snapshot
// may be nil to disable the watching file.
func NewMultiDispatcher(source string, dispatchers []*Dispatcher, snapshot *store.SnapshotWriter) *MultiDispatcher {
	return &MultiDispatcher{dispatchers: dispatchers, snapshot: snapshot, source: source}
}

// Dispatch forwards the event to every route and returns the per-route
// outcomes. Sink failures never block other routes.
func (m *MultiDispatcher) Dispatch(ctx context.Context, ev *models.ScrobbleEvent) []Outcome {
	if ev.Source == "" {
		ev.Source = m.source
	}
	metrics.RecordEvent(ev.Source, string(ev.Action))

	if m.snapshot != nil {
		if err := m.snapshot.Apply(ev); err != nil {
			logging.Warn().Err(err).Msg("Failed to update watching snapshot")
		}
	}

	outcomes := make([]Outcome, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		outcomes = append(outcomes, d.Dispatch(ctx, ev))
	}
	return outcomes
}

// Dispatchers exposes the route dispatchers so a second intake path can
// share them (and their reconciler state).
func (m *MultiDispatcher) Dispatchers() []*Dispatcher {
	return m.dispatchers
}

// HandleEvent adapts Dispatch to the watcher callback signature.
func (m *MultiDispatcher) HandleEvent(ev *models.ScrobbleEvent) {
	m.Dispatch(context.Background(), ev)
}
