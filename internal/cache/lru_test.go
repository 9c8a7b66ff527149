// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUAddGet(t *testing.T) {
	c := NewLRU(10, time.Minute)

	now := time.Now()
	c.Add("a", now)

	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, now, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU(3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Add(fmt.Sprintf("k%d", i), time.Now())
	}
	// Touch k0 so k1 becomes least recently used
	_, _ = c.Get("k0")

	c.Add("k3", time.Now())

	assert.True(t, c.Contains("k0"))
	assert.False(t, c.Contains("k1"), "least recently used entry evicted")
	assert.True(t, c.Contains("k3"))
	assert.Equal(t, 3, c.Len())
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU(10, 20*time.Millisecond)

	c.Add("a", time.Now())
	assert.True(t, c.Contains("a"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Contains("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestIsDuplicate(t *testing.T) {
	c := NewLRU(10, time.Minute)

	assert.False(t, c.IsDuplicate("key"), "first sighting is not a duplicate")
	assert.True(t, c.IsDuplicate("key"), "second sighting is")
}

func TestIsDuplicateAfterExpiry(t *testing.T) {
	c := NewLRU(10, 20*time.Millisecond)

	assert.False(t, c.IsDuplicate("key"))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.IsDuplicate("key"), "expired entry is not a duplicate")
	assert.True(t, c.IsDuplicate("key"))
}

func TestCleanupExpired(t *testing.T) {
	c := NewLRU(10, 20*time.Millisecond)

	c.Add("a", time.Now())
	c.Add("b", time.Now())
	time.Sleep(30 * time.Millisecond)
	c.Add("c", time.Now())

	removed := c.CleanupExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}
