// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package config

import (
	"strings"
)

// DefaultInstance is the instance name assumed when a route omits one.
const DefaultInstance = "default"

// NormalizeRoutes fills route defaults and migrates the legacy single-field
// form. Legacy targets look like "trakt" (sink only) or "plex:trakt"
// (provider:sink); both map onto the structured fields.
//
// Defaults: provider "plex", sink "trakt", instances "default". A config
// with no routes at all gets one implicit plex->trakt route.
func NormalizeRoutes(routes []Route) []Route {
	if len(routes) == 0 {
		return []Route{{
			Provider:         "plex",
			ProviderInstance: DefaultInstance,
			Sink:             "trakt",
			SinkInstance:     DefaultInstance,
		}}
	}

	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if !r.IsEnabled() {
			continue
		}
		if r.Target != "" {
			r = migrateLegacyTarget(r)
		}
		if r.Provider == "" {
			r.Provider = "plex"
		}
		if r.ProviderInstance == "" {
			r.ProviderInstance = DefaultInstance
		}
		if r.Sink == "" {
			r.Sink = "trakt"
		}
		if r.SinkInstance == "" {
			r.SinkInstance = DefaultInstance
		}
		for i, u := range r.Usernames {
			r.Usernames[i] = strings.TrimSpace(u)
		}
		out = append(out, r)
	}
	return out
}

// migrateLegacyTarget expands Target into Provider/Sink, keeping any
// explicitly set structured fields.
func migrateLegacyTarget(r Route) Route {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(r.Target)), ":", 2)
	switch len(parts) {
	case 1:
		if r.Sink == "" {
			r.Sink = parts[0]
		}
	case 2:
		if r.Provider == "" {
			r.Provider = parts[0]
		}
		if r.Sink == "" {
			r.Sink = parts[1]
		}
	}
	r.Target = ""
	return r
}

// IsEnabled reports whether the route is active. Routes are enabled unless
// the config says otherwise.
func (r Route) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// GroupKey identifies the watcher group a route belongs to: one watcher is
// run per (provider, provider_instance) pair.
func (r Route) GroupKey() string {
	return r.Provider + "/" + r.ProviderInstance
}
