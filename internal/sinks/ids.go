// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package sinks

import (
	"strconv"

	"github.com/watchrelay/watchrelay/internal/models"
)

// maxTVDBShowID bounds plausible TVDB series ids; anything larger is a
// scraper artifact and gets dropped before it poisons a request body.
const maxTVDBShowID = 9_999_999

// idObject converts a canonical id map into the JSON object shape the
// scrobble APIs expect: imdb and slug as strings, tmdb and tvdb as numbers.
// Invalid ids are dropped rather than sent.
func idObject(ids models.IDs) map[string]any {
	out := map[string]any{}
	if v := ids["imdb"]; v != "" && models.ValidIMDBID(v) {
		out["imdb"] = v
	}
	if v := ids["slug"]; v != "" {
		out["slug"] = v
	}
	if n, ok := numericID(ids["tmdb"]); ok {
		out["tmdb"] = n
	}
	if n, ok := numericID(ids["tvdb"]); ok {
		out["tvdb"] = n
	}
	return out
}

// showIDObject is idObject for series-level ids, with the TVDB range check.
func showIDObject(ids models.IDs) map[string]any {
	out := idObject(ids)
	if n, ok := out["tvdb"].(int); ok && n > maxTVDBShowID {
		delete(out, "tvdb")
	}
	return out
}

func numericID(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
