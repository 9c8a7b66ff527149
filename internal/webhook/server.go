// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package webhook is the push-based intake: it receives Plex and Jellyfin
// webhook posts, normalizes them into scrobble events, and feeds them to the
// dispatch pipeline. The same listener exposes /healthz and /metrics.
package webhook

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchrelay/watchrelay/internal/cache"
	"github.com/watchrelay/watchrelay/internal/config"
	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/models"
	"github.com/watchrelay/watchrelay/internal/pipeline"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	dedupCapacity   = 2048
)

// Dispatcher routes a normalized event into the pipeline and reports the
// per-sink outcomes. The watch manager implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.ScrobbleEvent) []pipeline.Outcome
}

// Server is the webhook HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	dispatch Dispatcher
	dedup    *cache.LRU
	srv      *http.Server
	statusFn func() any

	mu       sync.Mutex
	running  bool
	listener net.Listener
}

// NewServer builds the listener and its router. scrobbleCfg supplies the
// webhook idempotency window.
func NewServer(cfg config.ServerConfig, scrobbleCfg config.ScrobbleConfig, dispatch Dispatcher) *Server {
	s := &Server{
		cfg:      cfg,
		dispatch: dispatch,
		dedup:    cache.NewLRU(dedupCapacity, scrobbleCfg.WebhookDedupWindow),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Plex-Signature"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))

	r.Post("/webhook/plex", s.handlePlex)
	r.Post("/webhook/jellyfin", s.handleJellyfin)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// Name identifies the server in the supervision tree.
func (s *Server) Name() string { return "webhook-server" }

// Start binds the listener and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("webhook server already started")
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running = true

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("Webhook server terminated")
		}
	}()

	logging.Info().Str("addr", s.srv.Addr).Msg("Webhook server listening")
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("Webhook server shutdown incomplete")
	}
	logging.Info().Msg("Webhook server stopped")
}

// Addr returns the bound address, useful when Port is 0 in tests.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// SetStatusFunc installs the topology report served at /status.
func (s *Server) SetStatusFunc(fn func() any) {
	s.statusFn = fn
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.statusFn == nil {
		writeJSON(w, http.StatusOK, map[string]any{"groups": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": s.statusFn()})
}
