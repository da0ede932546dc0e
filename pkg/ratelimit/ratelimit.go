// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements a per-client sliding-window rate limiter with
// per-endpoint overrides.
package ratelimit

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Limit is one window configuration.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Config holds the default limit and per-endpoint-class overrides.
type Config struct {
	Default   Limit
	Overrides map[string]Limit
}

// Decision is the outcome of a limiter check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
}

type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter tracks request timestamps per (clientID, endpoint class) key.
// Idle buckets expire out of the table; active ones are kept alive by each
// check.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets *gocache.Cache
}

// New creates a Limiter. Buckets idle for twice the longest window are
// pruned in the background.
func New(cfg Config) *Limiter {
	longest := cfg.Default.Window
	for _, l := range cfg.Overrides {
		if l.Window > longest {
			longest = l.Window
		}
	}
	if longest <= 0 {
		longest = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: gocache.New(2*longest, 2*longest),
	}
}

func (l *Limiter) limitFor(endpoint string) Limit {
	if lim, ok := l.cfg.Overrides[endpoint]; ok {
		return lim
	}
	return l.cfg.Default
}

func (l *Limiter) bucketFor(key string, ttl time.Duration) *bucket {
	// go-cache Get/Set are individually safe but not atomic together, so
	// bucket creation is serialized here.
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(key); ok {
		return v.(*bucket)
	}
	b := &bucket{}
	l.buckets.Set(key, b, ttl)
	return b
}

// Check records a request attempt for (clientID, endpoint) and decides
// whether it is allowed. The effective window at time t is (t-window, t]: a
// timestamp exactly window old no longer counts.
func (l *Limiter) Check(clientID, endpoint string) Decision {
	lim := l.limitFor(endpoint)
	if lim.MaxRequests <= 0 || lim.Window <= 0 {
		return Decision{Allowed: true, Limit: lim.MaxRequests, Window: lim.Window}
	}

	key := clientID + "|" + endpoint
	b := l.bucketFor(key, 2*lim.Window)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-lim.Window)

	// Drop expired stamps in place. Stamps are appended in order, so the
	// survivors are a suffix.
	keep := 0
	for keep < len(b.stamps) && !b.stamps[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[keep:]...)
	}

	if len(b.stamps) < lim.MaxRequests {
		b.stamps = append(b.stamps, now)
		l.buckets.Set(key, b, 2*lim.Window)
		return Decision{Allowed: true, Limit: lim.MaxRequests, Window: lim.Window}
	}

	retryAfter := b.stamps[0].Add(lim.Window).Sub(now)
	return Decision{
		Allowed:    false,
		RetryAfter: retryAfter,
		Limit:      lim.MaxRequests,
		Window:     lim.Window,
	}
}

// Reset forgets all buckets.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets.Flush()
}
