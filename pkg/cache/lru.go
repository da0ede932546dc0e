// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// LRU is a bounded in-memory provider. Reads refresh recency, so hot entries
// survive eviction pressure. With a TTL configured, Get hides expired entries
// while GetStale still returns them; expired entries are only dropped by LRU
// eviction or an explicit Delete.
type LRU struct {
	inner *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type lruEntry struct {
	value      []byte
	insertedAt time.Time
}

// NewLRU creates an LRU provider bounded to max entries (must be > 0).
// A zero ttl disables expiry.
func NewLRU(max int, ttl time.Duration) (*LRU, error) {
	inner, err := lru.New(max)
	if err != nil {
		return nil, err
	}
	return &LRU{inner: inner, ttl: ttl, now: time.Now}, nil
}

func (c *LRU) fresh(e *lruEntry) bool {
	if c.ttl <= 0 {
		return true
	}
	return c.now().Sub(e.insertedAt) < c.ttl
}

// Get returns the value for key if present and fresh.
func (c *LRU) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*lruEntry)
	if !c.fresh(e) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns the value for key even if its TTL has elapsed.
func (c *LRU) GetStale(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*lruEntry).value, true
}

// Set stores value under key, resetting its age.
func (c *LRU) Set(_ context.Context, key string, value []byte) {
	c.inner.Add(key, &lruEntry{value: value, insertedAt: c.now()})
}

// Has reports whether a fresh value exists for key without refreshing its
// recency.
func (c *LRU) Has(_ context.Context, key string) bool {
	v, ok := c.inner.Peek(key)
	if !ok {
		return false
	}
	return c.fresh(v.(*lruEntry))
}

// Delete removes key.
func (c *LRU) Delete(_ context.Context, key string) {
	c.inner.Remove(key)
}

// Clear drops every entry.
func (c *LRU) Clear(_ context.Context) {
	c.inner.Purge()
}

// Len returns the number of entries, including stale ones.
func (c *LRU) Len() int {
	return c.inner.Len()
}

// Entries returns a snapshot of all entries in LRU order, oldest first.
func (c *LRU) Entries(_ context.Context) []Entry {
	keys := c.inner.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, ok := c.inner.Peek(k)
		if !ok {
			continue
		}
		e := v.(*lruEntry)
		entries = append(entries, Entry{
			Key:        k.(string),
			Value:      e.value,
			InsertedAt: e.insertedAt,
		})
	}
	return entries
}

var _ Provider = (*LRU)(nil)
