// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package supervisor wires the relay's long-running components into a suture
// supervision tree. Watchers and the webhook server restart independently on
// failure; supervision events land in the structured log via sutureslog.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/watchrelay/watchrelay/internal/logging"
)

// Restart policy: tolerate bursts of failures (a media server rebooting takes
// its watcher down repeatedly) without ever giving up on the branch.
const (
	failureThreshold = 5
	failureDecay     = 30
	failureBackoff   = 15 * time.Second
	stopTimeout      = 10 * time.Second
)

// Service is a component with explicit start/stop lifecycle. The tree adapts
// it to suture's Serve model.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// serviceAdapter runs a Service under suture: start, hold until the
// supervisor cancels, then stop.
type serviceAdapter struct {
	svc Service
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	if err := a.svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.svc.Stop()
	return ctx.Err()
}

func (a *serviceAdapter) String() string { return a.svc.Name() }

// Tree is the root supervisor.
type Tree struct {
	root *suture.Supervisor
}

// New creates the root supervision tree.
func New(name string) *Tree {
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	return &Tree{
		root: suture.New(name, suture.Spec{
			EventHook:        hook,
			FailureThreshold: failureThreshold,
			FailureDecay:     failureDecay,
			FailureBackoff:   failureBackoff,
			Timeout:          stopTimeout,
		}),
	}
}

// Add places a lifecycle service under supervision.
func (t *Tree) Add(svc Service) suture.ServiceToken {
	return t.root.Add(&serviceAdapter{svc: svc})
}

// AddService places a raw suture service under supervision.
func (t *Tree) AddService(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// Remove detaches and stops a supervised service.
func (t *Tree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// ServeBackground runs the tree until the context is cancelled. The returned
// channel yields the terminal error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
