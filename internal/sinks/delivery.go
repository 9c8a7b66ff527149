// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package sinks implements the scrobble delivery targets (Trakt, SIMKL,
// MDBList) on a shared resilient HTTP layer: circuit breaker, client-side
// rate limiting, bounded retries with backoff, and per-sink metrics.
package sinks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/watchrelay/watchrelay/internal/logging"
	"github.com/watchrelay/watchrelay/internal/metrics"
)

// Retry tuning shared by all sinks.
const (
	maxAttempts    = 5
	initialBackoff = 1 * time.Second
	maxBackoff     = 8 * time.Second
)

// ErrServerStatus marks a 5xx response. The response is still returned so
// callers can inspect it; the error feeds the circuit breaker.
var ErrServerStatus = errors.New("server error status")

// ErrCircuitOpen wraps gobreaker's open-state rejections.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Response is a drained HTTP response.
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	RetryAfter time.Duration
}

// Client is the shared delivery client for one sink: every request passes
// the rate limiter, then the circuit breaker, and is recorded in metrics.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	limiter *rate.Limiter
}

// NewClient creates a delivery client named after its sink.
//
// Breaker tuning: trips at >=60% failures over >=10 requests, stays open for
// 2 minutes, allows 3 probe requests half-open. Counts reset every minute in
// the closed state. Only transport errors and 5xx count as failures; 4xx is
// the API talking to us, not an outage.
func NewClient(name string) *Client {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	}

	return &Client{
		name:    name,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*Response](settings),
		limiter: rate.NewLimiter(rate.Limit(2), 4), // 2 req/s, burst 4
	}
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// DoJSON sends one JSON request and drains the response. A nil body sends
// no payload. The returned error is non-nil for transport failures, breaker
// rejections, and 5xx statuses; for 5xx the Response is still populated.
func (c *Client) DoJSON(ctx context.Context, operation, method, url string, header http.Header, body any) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limiter: %w", c.name, err)
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.roundTrip(ctx, method, url, header, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordSinkRequest(c.name, operation, 0, time.Since(start))
		return nil, fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
	}

	status := 0
	if resp != nil {
		status = resp.Status
	}
	metrics.RecordSinkRequest(c.name, operation, status, time.Since(start))

	if err != nil && resp == nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, operation, err)
	}
	return resp, err
}

// roundTrip performs one HTTP exchange and fully drains the body.
func (c *Client) roundTrip(ctx context.Context, method, url string, header http.Header, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &Response{
		Status:     httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}
	if httpResp.StatusCode >= 500 {
		return resp, ErrServerStatus
	}
	return resp, nil
}

// parseRetryAfter handles the delta-seconds form; HTTP-date is rare enough
// on these APIs to ignore.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// backoffDelay returns the delay before retry attempt n (0-based),
// doubling from 1s and capped at 8s.
func backoffDelay(attempt int) time.Duration {
	d := initialBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
