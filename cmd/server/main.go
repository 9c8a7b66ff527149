// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Command server runs the scrobbling relay: media-server watchers, webhook
// intake, and sink delivery under one supervision tree.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/manager"
	"github.com/watchrelay/watchrelay/internal/store"
	"github.com/watchrelay/watchrelay/internal/supervisor"
	"github.com/watchrelay/watchrelay/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	logging.Info().
		Int("plex", len(cfg.Plex)).
		Int("jellyfin", len(cfg.Jellyfin)).
		Int("emby", len(cfg.Emby)).
		Int("routes", len(cfg.Routes)).
		Msg("Starting WatchRelay")

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		logging.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("Failed to create state directory")
	}

	db, err := store.Open(cfg.StateDir)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer func() { _ = db.Close() }()
	dedup := store.NewDedupStore(db)

	snapshotPath := cfg.Scrobble.SnapshotPath
	if snapshotPath != "" && !filepath.IsAbs(snapshotPath) {
		snapshotPath = filepath.Join(cfg.StateDir, snapshotPath)
	}
	var snapshot *store.SnapshotWriter
	if snapshotPath != "" {
		snapshot = store.NewSnapshotWriter(snapshotPath)
	}

	mgr, err := manager.New(cfg, dedup, snapshot)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to assemble watch topology")
	}

	tree := supervisor.New("watchrelay")
	for _, svc := range mgr.Services() {
		tree.Add(svc)
	}

	srv := webhook.NewServer(cfg.Server, cfg.Scrobble, mgr)
	srv.SetStatusFunc(func() any { return mgr.Status() })
	tree.Add(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervision tree terminated")
			os.Exit(1)
		}
	}

	logging.Info().Msg("Shutdown complete")
}
