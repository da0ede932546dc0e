// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// DefaultReconnectInterval is how often the distributed provider probes a
// lost Redis connection.
const DefaultReconnectInterval = 60 * time.Second

// DistributedOptions configures a Distributed provider.
type DistributedOptions struct {
	// Addr is the Redis address. Empty disables the remote store entirely;
	// the provider then serves from the LRU mirror and never arms the
	// reconnect timer.
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all remote keys.
	KeyPrefix string
	// TTL applies to both the remote store and the LRU mirror.
	TTL time.Duration
	// MaxLocalEntries bounds the LRU mirror.
	MaxLocalEntries int
	// ReconnectInterval overrides DefaultReconnectInterval.
	ReconnectInterval time.Duration

	Logger *slog.Logger
}

// Distributed is a write-through provider: writes go to Redis and to a local
// LRU mirror; reads prefer Redis and fall back to the mirror on any remote
// error (stale-on-error). When Redis becomes unreachable the provider enters
// fallback mode and a background loop tries to restore the connection.
type Distributed struct {
	remote    *redis.Client
	local     *LRU
	prefix    string
	ttl       time.Duration
	log       *slog.Logger
	interval  time.Duration
	fallback  atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

// NewDistributed creates a Distributed provider. The remote connection is
// established lazily; a dead Redis at construction simply starts the
// provider in fallback mode.
func NewDistributed(opts DistributedOptions) (*Distributed, error) {
	if opts.MaxLocalEntries <= 0 {
		opts.MaxLocalEntries = 1024
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	local, err := NewLRU(opts.MaxLocalEntries, opts.TTL)
	if err != nil {
		return nil, err
	}

	d := &Distributed{
		local:    local,
		prefix:   opts.KeyPrefix,
		ttl:      opts.TTL,
		log:      opts.Logger,
		interval: opts.ReconnectInterval,
		closed:   make(chan struct{}),
	}

	if opts.Addr != "" {
		d.remote = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		go d.reconnectLoop()
	}
	return d, nil
}

func (d *Distributed) remoteKey(key string) string {
	if d.prefix == "" {
		return key
	}
	return d.prefix + ":" + key
}

func (d *Distributed) enterFallback(err error) {
	if d.fallback.CompareAndSwap(false, true) {
		d.log.Warn("remote cache unreachable, entering fallback mode", "error", err)
	}
}

// reconnectLoop pings the remote store on a fixed interval while in fallback
// mode. Individual pings use a short exponential backoff to ride out
// transient blips.
func (d *Distributed) reconnectLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			if !d.fallback.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
			err := backoff.Retry(func() error {
				return d.remote.Ping(ctx).Err()
			}, policy)
			cancel()
			if err == nil {
				d.fallback.Store(false)
				d.log.Info("remote cache connection restored")
			}
		}
	}
}

// Get prefers the remote store; on any remote error it serves the local
// mirror, stale values included.
func (d *Distributed) Get(ctx context.Context, key string) ([]byte, bool) {
	if d.remote != nil && !d.fallback.Load() {
		val, err := d.remote.Get(ctx, d.remoteKey(key)).Bytes()
		if err == nil {
			return val, true
		}
		if !errors.Is(err, redis.Nil) {
			d.enterFallback(err)
			return d.local.GetStale(ctx, key)
		}
		// Remote authoritative miss; the mirror may still hold a fresh
		// value written before a remote flush.
		return d.local.Get(ctx, key)
	}
	if d.remote == nil {
		return d.local.Get(ctx, key)
	}
	return d.local.GetStale(ctx, key)
}

// GetStale returns any known value for key, fresh or not.
func (d *Distributed) GetStale(ctx context.Context, key string) ([]byte, bool) {
	if d.remote != nil && !d.fallback.Load() {
		val, err := d.remote.Get(ctx, d.remoteKey(key)).Bytes()
		if err == nil {
			return val, true
		}
		if !errors.Is(err, redis.Nil) {
			d.enterFallback(err)
		}
	}
	return d.local.GetStale(ctx, key)
}

// Set writes through to the remote store and the local mirror. A failed
// remote write flips the provider into fallback mode; the local write always
// succeeds, so a restarted remote warms back up from subsequent writes.
func (d *Distributed) Set(ctx context.Context, key string, value []byte) {
	d.local.Set(ctx, key, value)
	if d.remote == nil || d.fallback.Load() {
		return
	}
	if err := d.remote.Set(ctx, d.remoteKey(key), value, d.ttl).Err(); err != nil {
		d.enterFallback(err)
	}
}

// Has reports whether a fresh value exists for key.
func (d *Distributed) Has(ctx context.Context, key string) bool {
	if d.remote != nil && !d.fallback.Load() {
		n, err := d.remote.Exists(ctx, d.remoteKey(key)).Result()
		if err == nil {
			return n > 0
		}
		d.enterFallback(err)
	}
	return d.local.Has(ctx, key)
}

// Delete removes key from both stores.
func (d *Distributed) Delete(ctx context.Context, key string) {
	d.local.Delete(ctx, key)
	if d.remote != nil && !d.fallback.Load() {
		if err := d.remote.Del(ctx, d.remoteKey(key)).Err(); err != nil {
			d.enterFallback(err)
		}
	}
}

// Clear drops the local mirror and, when connected, all prefixed remote keys.
func (d *Distributed) Clear(ctx context.Context) {
	d.local.Clear(ctx)
	if d.remote == nil || d.fallback.Load() {
		return
	}
	iter := d.remote.Scan(ctx, 0, d.remoteKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := d.remote.Del(ctx, iter.Val()).Err(); err != nil {
			d.enterFallback(err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		d.enterFallback(err)
	}
}

// Len returns the local mirror size. The remote cardinality is not tracked.
func (d *Distributed) Len() int {
	return d.local.Len()
}

// Entries returns the local mirror's entries.
func (d *Distributed) Entries(ctx context.Context) []Entry {
	return d.local.Entries(ctx)
}

// InFallbackMode reports whether the provider is currently serving only from
// the local mirror.
func (d *Distributed) InFallbackMode() bool {
	return d.fallback.Load()
}

// Close stops the reconnect loop and closes the remote connection.
func (d *Distributed) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.remote != nil {
			err = d.remote.Close()
		}
	})
	return err
}

var _ Provider = (*Distributed)(nil)
