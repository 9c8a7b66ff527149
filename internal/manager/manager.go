// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package manager assembles the runtime topology from configuration: one
// watch group per (provider, instance) pair, one reconciler per route, shared
// sink clients, and a webhook dispatch path that reuses the same reconcilers
// so pushed and watched events share session state.
package manager

import (
	"context"
	"fmt"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/pipeline"
	"github.com/watchrelay/watchrelay/internal/sinks"
	"github.com/watchrelay/watchrelay/internal/store"
	"github.com/watchrelay/watchrelay/internal/supervisor"
	"github.com/watchrelay/watchrelay/internal/watch"
)

// watchGroup is one provider instance: its watcher (nil for webhook-only
// setups with no server credentials) and the fan-out over its routes.
type watchGroup struct {
	key      string
	provider string
	instance string
	watcher  watch.Watcher
	dispatch *pipeline.MultiDispatcher
	routes   []string
}

// Manager owns the assembled topology.
type Manager struct {
	cfg      *config.Config
	groups   []*watchGroup
	sinks    map[string]pipeline.Sink
	remover  *pipeline.WatchlistRemover
	webhooks *pipeline.MultiDispatcher
}

// GroupStatus describes one watch group for the status surface.
type GroupStatus struct {
	Group    string   `json:"group"`
	Provider string   `json:"provider"`
	Instance string   `json:"instance"`
	Watcher  bool     `json:"watcher"`
	Routes   []string `json:"routes"`
}

// New assembles the topology. Routes must already be normalized and
// validated; dedup backs auto-removal idempotency and snapshot the
// currently-watching file, either may be nil.
func New(cfg *config.Config, dedup *store.DedupStore, snapshot *store.SnapshotWriter) (*Manager, error) {
	m := &Manager{
		cfg:   cfg,
		sinks: buildSinks(cfg.Sinks),
	}

	// One shared remover: a completion reported by any sink sweeps the item
	// out of every auto-remove-enabled watchlist, once per TTL.
	var ordered []pipeline.Sink
	for _, name := range []string{"trakt", "simkl", "mdblist"} {
		if s, ok := m.sinks[name]; ok {
			ordered = append(ordered, s)
		}
	}
	m.remover = pipeline.NewWatchlistRemover(ordered, dedup, cfg.Scrobble.AutoRemoveTTL)

	grouped := map[string][]config.Route{}
	var order []string
	for _, r := range cfg.Routes {
		key := r.GroupKey()
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], r)
	}

	var allDispatchers []*pipeline.Dispatcher
	for _, key := range order {
		routes := grouped[key]
		g, err := m.buildGroup(key, routes, snapshot)
		if err != nil {
			return nil, err
		}
		m.groups = append(m.groups, g)

		// The webhook path shares the group's dispatchers (and through them
		// the reconcilers), so double intake of one session debounces
		// instead of double-scrobbling.
		allDispatchers = append(allDispatchers, g.dispatch.Dispatchers()...)
	}

	m.webhooks = pipeline.NewMultiDispatcher("webhook", allDispatchers, snapshot)
	return m, nil
}

func (m *Manager) buildGroup(key string, routes []config.Route, snapshot *store.SnapshotWriter) (*watchGroup, error) {
	provider := routes[0].Provider
	instance := routes[0].ProviderInstance

	g := &watchGroup{key: key, provider: provider, instance: instance}

	// A group without server credentials still serves webhook intake; it
	// just has no watcher and no quarantine probe.
	var probe pipeline.ProbeFunc
	handler := func(ev *models.ScrobbleEvent) {
		g.dispatch.HandleEvent(ev)
	}

	switch provider {
	case "plex":
		if srv, ok := findPlexServer(m.cfg.Plex, instance); ok {
			w := watch.NewPlexWatcher(srv, handler)
			g.watcher = w
			probe = w.Probe
		}
	case "jellyfin":
		if srv, ok := findJellyfinServer(m.cfg.Jellyfin, instance); ok {
			w := watch.NewJellyfinWatcher(srv, m.cfg.Scrobble, handler)
			g.watcher = w
			probe = w.Probe
		}
	case "emby":
		if srv, ok := findEmbyServer(m.cfg.Emby, instance); ok {
			w := watch.NewEmbyWatcher(srv, m.cfg.Scrobble, handler)
			g.watcher = w
			probe = w.Probe
		}
	default:
		return nil, fmt.Errorf("group %s: unknown provider %q", key, provider)
	}

	if g.watcher == nil {
		logging.Warn().
			Str("group", key).
			Msg("No server configured for route group, webhook intake only")
	}

	var dispatchers []*pipeline.Dispatcher
	for _, r := range routes {
		sink, ok := m.sinks[r.Sink]
		if !ok {
			return nil, fmt.Errorf("group %s: sink %q not configured", key, r.Sink)
		}
		name := routeName(r)
		rec := pipeline.NewReconciler(sink, m.cfg.Scrobble, m.remover, probe)
		dispatchers = append(dispatchers, pipeline.NewDispatcher(name, pipeline.Filters{
			Usernames:  r.Usernames,
			ServerUUID: r.ServerUUID,
		}, rec))
		g.routes = append(g.routes, name)
	}

	g.dispatch = pipeline.NewMultiDispatcher(provider, dispatchers, snapshot)
	return g, nil
}

func routeName(r config.Route) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s/%s->%s/%s", r.Provider, r.ProviderInstance, r.Sink, r.SinkInstance)
}

// buildSinks creates one shared client per enabled sink.
func buildSinks(cfg config.SinksConfig) map[string]pipeline.Sink {
	out := map[string]pipeline.Sink{}
	if cfg.Trakt.Enabled {
		out["trakt"] = sinks.NewTraktSink(cfg.Trakt)
	}
	if cfg.Simkl.Enabled {
		out["simkl"] = sinks.NewSimklSink(cfg.Simkl)
	}
	if cfg.MDBList.Enabled {
		out["mdblist"] = sinks.NewMDBListSink(cfg.MDBList)
	}
	return out
}

func findPlexServer(servers []config.PlexServer, instance string) (config.PlexServer, bool) {
	for _, s := range servers {
		if s.Name == instance {
			return s, true
		}
	}
	if instance == config.DefaultInstance && len(servers) == 1 {
		return servers[0], true
	}
	return config.PlexServer{}, false
}

func findJellyfinServer(servers []config.JellyfinServer, instance string) (config.JellyfinServer, bool) {
	for _, s := range servers {
		if s.Name == instance {
			return s, true
		}
	}
	if instance == config.DefaultInstance && len(servers) == 1 {
		return servers[0], true
	}
	return config.JellyfinServer{}, false
}

func findEmbyServer(servers []config.EmbyServer, instance string) (config.EmbyServer, bool) {
	for _, s := range servers {
		if s.Name == instance {
			return s, true
		}
	}
	if instance == config.DefaultInstance && len(servers) == 1 {
		return servers[0], true
	}
	return config.EmbyServer{}, false
}

// Services returns the watchers to place under supervision, in group order.
func (m *Manager) Services() []supervisor.Service {
	var out []supervisor.Service
	for _, g := range m.groups {
		if g.watcher != nil {
			out = append(out, g.watcher)
		}
	}
	return out
}

// Dispatch implements webhook.Dispatcher: pushed events flow through every
// route's dispatcher, where filters and the shared reconciler state sort out
// what actually gets delivered.
func (m *Manager) Dispatch(ctx context.Context, ev *models.ScrobbleEvent) []pipeline.Outcome {
	return m.webhooks.Dispatch(ctx, ev)
}

// Status reports the assembled topology.
func (m *Manager) Status() []GroupStatus {
	out := make([]GroupStatus, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, GroupStatus{
			Group:    g.key,
			Provider: g.provider,
			Instance: g.instance,
			Watcher:  g.watcher != nil,
			Routes:   append([]string(nil), g.routes...),
		})
	}
	return out
}
