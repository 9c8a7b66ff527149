// WatchRelay - Media Server Scrobbling Relay
// Copyright 2026 WatchRelay Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchrelay/watchrelay

// Package store provides durable relay state: the TTL dedup store backing
// watchlist auto-removal and webhook idempotency, and the currently-watching
// snapshot file.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/watchrelay/watchrelay/internal/cache"
	"github.com/watchrelay/watchrelay/internal/logging"
)

// Key prefixes for badger storage.
const (
	dedupKeyPrefix = "dedup:"
)

// Open opens the badger database under dir with logging bridged to zerolog.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger")).
		WithLogger(badgerLogger{}).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return db, nil
}

// DedupStore is a durable, TTL-bounded "have we done this recently" set.
// Badger entries carry their TTL natively, so the set survives restarts and
// expires on its own; an in-process LRU fronts the hot path.
type DedupStore struct {
	db    *badger.DB
	front *cache.LRU
}

// NewDedupStore creates a dedup store over an open badger database.
func NewDedupStore(db *badger.DB) *DedupStore {
	return &DedupStore{
		db:    db,
		front: cache.NewLRU(4096, time.Minute),
	}
}

// MarkOnce atomically claims key for ttl. It returns true when this call is
// the first within the window; callers that get false must skip the guarded
// side effect.
func (s *DedupStore) MarkOnce(key string, ttl time.Duration) (bool, error) {
	// The LRU front holds entries for a minute; shorter claims must not be
	// cached there or they would outlive their badger TTL.
	useFront := ttl >= time.Minute
	if useFront && s.front.Contains(dedupKeyPrefix+key) {
		return false, nil
	}

	claimed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		k := []byte(dedupKeyPrefix + key)
		_, err := txn.Get(k)
		if err == nil {
			return nil // already claimed
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get dedup key: %w", err)
		}

		entry := badger.NewEntry(k, []byte{1}).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("set dedup key: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if claimed && useFront {
		s.front.Add(dedupKeyPrefix+key, time.Now())
	}
	return claimed, nil
}

// Seen reports whether key is currently claimed, without claiming it.
func (s *DedupStore) Seen(key string) (bool, error) {
	if s.front.Contains(dedupKeyPrefix + key) {
		return true, nil
	}

	seen := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(dedupKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}

// Forget releases a claim early. Used by tests and manual resets.
func (s *DedupStore) Forget(key string) error {
	s.front.Remove(dedupKeyPrefix + key)
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(dedupKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// AutoRemoveKey builds a stable dedup key for a watchlist removal: the media
// type plus the item's external ids in sorted order, so id-map iteration
// order never splits one item into two keys. The key is deliberately not
// sink-scoped; one finished item gets one removal sweep no matter how many
// sinks or providers report the completion.
func AutoRemoveKey(mediaType string, ids map[string]string) string {
	parts := make([]string, 0, len(ids))
	for k, v := range ids {
		if v == "" {
			continue
		}
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return "ar:" + mediaType + ":" + strings.Join(parts, ",")
}

// badgerLogger forwards badger's internal logging to zerolog. Badger is
// chatty at info level during compaction, so info maps to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logging.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logging.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}
