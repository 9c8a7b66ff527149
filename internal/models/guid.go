// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package models

import (
	"regexp"
	"strings"
)

// Plex exposes external ids as GUID strings in two historical formats: the
// legacy agent form (com.plexapp.agents.imdb://tt0120737?lang=en) and the new
// short form (imdb://tt0120737). Both are matched here.
var (
	imdbGUIDRe = regexp.MustCompile(`(?:com\.plexapp\.agents\.imdb|imdb)://(tt\d+)`)
	tmdbGUIDRe = regexp.MustCompile(`(?:com\.plexapp\.agents\.themoviedb|tmdb)://(\d+)`)
	tvdbGUIDRe = regexp.MustCompile(`(?:com\.plexapp\.agents\.thetvdb|tvdb)://(\d+)`)
)

// ExtractIDsFromGUIDs parses a list of GUID strings into an id map.
// Unrecognized GUIDs (plex://, local://) are ignored.
func ExtractIDsFromGUIDs(guids []string) IDs {
	ids := IDs{}
	for _, guid := range guids {
		if m := imdbGUIDRe.FindStringSubmatch(guid); m != nil {
			ids["imdb"] = m[1]
		}
		if m := tmdbGUIDRe.FindStringSubmatch(guid); m != nil {
			ids["tmdb"] = m[1]
		}
		if m := tvdbGUIDRe.FindStringSubmatch(guid); m != nil {
			ids["tvdb"] = m[1]
		}
	}
	return ids
}

// MergeShowIDs copies show-level ids into an episode id map under the
// "_show" suffix, without overwriting episode-level ids.
func MergeShowIDs(episode, show IDs) IDs {
	out := episode.Clone()
	for k, v := range show {
		if v == "" {
			continue
		}
		key := k + "_show"
		if _, exists := out[key]; !exists {
			out[key] = v
		}
	}
	return out
}

// ValidIMDBID reports whether a string looks like a plausible IMDB id:
// "tt" followed by at least six digits. Sinks reject anything else.
func ValidIMDBID(id string) bool {
	if !strings.HasPrefix(id, "tt") {
		return false
	}
	digits := id[2:]
	if len(digits) < 6 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
