// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package watch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/models"
)

const plexClientTimeout = 15 * time.Second

// PlexClient is a minimal REST client for the Plex Media Server HTTP API.
// It covers the two endpoints the watcher needs: /identity for the machine
// identifier and /status/sessions for live playback enrichment.
type PlexClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewPlexClient creates a client for one Plex server.
func NewPlexClient(cfg config.PlexServer) *PlexClient {
	return &PlexClient{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: plexClientTimeout},
	}
}

// Identity returns the server's machine identifier from GET /identity.
func (c *PlexClient) Identity(ctx context.Context) (string, error) {
	var out struct {
		MediaContainer struct {
			MachineIdentifier string `json:"machineIdentifier"`
		} `json:"MediaContainer"`
	}
	if err := c.getJSON(ctx, "/identity", &out); err != nil {
		return "", err
	}
	if out.MediaContainer.MachineIdentifier == "" {
		return "", fmt.Errorf("plex identity: empty machine identifier")
	}
	return out.MediaContainer.MachineIdentifier, nil
}

// Sessions returns the live playback sessions from GET /status/sessions.
func (c *PlexClient) Sessions(ctx context.Context) ([]models.PlexSessionItem, error) {
	var out models.PlexSessionsResponse
	if err := c.getJSON(ctx, "/status/sessions", &out); err != nil {
		return nil, err
	}
	return out.MediaContainer.Metadata, nil
}

func (c *PlexClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("plex GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex GET %s: status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("plex GET %s: read body: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("plex GET %s: decode: %w", path, err)
	}
	return nil
}
