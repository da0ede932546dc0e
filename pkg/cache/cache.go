// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the broker's cache providers: a bounded in-memory
// LRU with TTL and stale reads, and a Redis-backed distributed provider that
// falls back to the LRU mirror when the remote store is unreachable.
package cache

import (
	"context"
	"time"
)

// Entry is one cached value together with its insertion time.
type Entry struct {
	Key        string
	Value      []byte
	InsertedAt time.Time
}

// Provider is the common surface of every cache backend. Get returns only
// fresh values; GetStale additionally returns expired values so callers can
// serve stale data when a refresh fails.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	GetStale(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Has(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	Len() int
	Entries(ctx context.Context) []Entry
}
