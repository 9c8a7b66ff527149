// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package cache provides small in-process caches used for deduplication:
// webhook idempotency windows, poller seen-session tracking, and a hot
// front for the durable badger dedup store.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the LRU's doubly-linked list with TTL support.
type entry struct {
	key       string
	value     time.Time
	prev      *entry
	next      *entry
	expiresAt time.Time
}

// LRU implements a thread-safe least-recently-used cache with TTL.
// Get, Add, Remove, and eviction are all O(1): a doubly-linked list keeps
// recency order and a map gives direct node access.
type LRU struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration

	items map[string]*entry

	// head.next is most recently used, tail.prev is least recently used.
	head *entry
	tail *entry
}

// NewLRU creates an LRU with the given capacity and entry TTL.
func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &LRU{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get retrieves an entry's timestamp. Found entries move to the front.
func (c *LRU) Get(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return time.Time{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

// Contains checks membership without updating recency.
func (c *LRU) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.items[key]; ok {
		return !time.Now().After(e.expiresAt)
	}
	return false
}

// Add inserts or refreshes an entry, evicting the LRU entry at capacity.
func (c *LRU) Add(key string, value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = now.Add(c.ttl)
		c.moveToFront(e)
		return
	}

	if len(c.items) >= c.capacity {
		if lru := c.tail.prev; lru != c.head {
			c.remove(lru)
		}
	}

	e := &entry{key: key, value: value, expiresAt: now.Add(c.ttl)}
	c.items[key] = e
	c.insertFront(e)
}

// IsDuplicate atomically checks for a live entry and marks the key seen.
// Returns true if the key was already present and unexpired. This is the
// primitive behind idempotency windows: the first caller wins.
func (c *LRU) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.items[key]; ok && !now.After(e.expiresAt) {
		c.moveToFront(e)
		return true
	}

	if e, ok := c.items[key]; ok {
		// expired entry, refresh in place
		e.value = now
		e.expiresAt = now.Add(c.ttl)
		c.moveToFront(e)
		return false
	}

	if len(c.items) >= c.capacity {
		if lru := c.tail.prev; lru != c.head {
			c.remove(lru)
		}
	}
	e := &entry{key: key, value: now, expiresAt: now.Add(c.ttl)}
	c.items[key] = e
	c.insertFront(e)
	return false
}

// Remove deletes a key if present.
func (c *LRU) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// Len returns the number of entries, including any not-yet-swept expired ones.
func (c *LRU) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// CleanupExpired sweeps expired entries. Expiration is otherwise lazy; call
// this periodically from long-lived owners to bound memory.
func (c *LRU) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, e := range c.items {
		if now.After(e.expiresAt) {
			c.remove(e)
			removed++
		}
	}
	return removed
}

func (c *LRU) insertFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRU) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.insertFront(e)
}

func (c *LRU) remove(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}
