// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package schemacache caches upstream tool schemas on top of a cache
// provider, keyed "server::tool". A miss refreshes every schema the
// upstream advertises in one shot; refreshes serialize per server.
package schemacache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mcpany/broker/pkg/cache"
	"github.com/mcpany/broker/pkg/logging"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/schema"
	"github.com/mcpany/broker/pkg/tool"
)

// DefaultTTL bounds how long a cached schema stays fresh.
const DefaultTTL = 24 * time.Hour

const cacheType = "schema"

// ToolLister fetches the advertised tool schemas of one upstream server.
// Schema names are fully qualified tool identifiers.
type ToolLister interface {
	ListToolSchemas(ctx context.Context, server string) ([]schema.ToolSchema, error)
}

// Cache is the typed schema cache. Safe for concurrent use.
type Cache struct {
	provider cache.Provider
	lister   ToolLister
	metrics  *metrics.Registry
	group    singleflight.Group
}

// New builds a Cache over the given provider. metrics may be nil.
func New(provider cache.Provider, lister ToolLister, m *metrics.Registry) *Cache {
	return &Cache{provider: provider, lister: lister, metrics: m}
}

func key(id tool.ID) string {
	return id.Server + "::" + id.Tool
}

// Get returns the schema for id. On a miss it lists the whole server,
// stores every schema, and returns the requested one. When the upstream
// refresh fails, a stale cached entry is returned if one exists.
func (c *Cache) Get(ctx context.Context, id tool.ID) (*schema.ToolSchema, error) {
	k := key(id)

	if raw, ok := c.provider.Get(ctx, k); ok {
		c.hit()
		return decode(raw)
	}
	c.miss()

	// One refresh in flight per server; concurrent misses share the result.
	_, err, _ := c.group.Do(id.Server, func() (any, error) {
		return nil, c.refresh(ctx, id.Server)
	})
	if err != nil {
		if raw, ok := c.provider.GetStale(ctx, k); ok {
			logging.GetLogger().Warn("schema refresh failed, serving stale entry",
				"server", id.Server, "tool", id.Tool, "error", err)
			return decode(raw)
		}
		return nil, fmt.Errorf("failed to refresh schemas for server %q: %w", id.Server, err)
	}

	// The miss is already counted; the post-refresh read is not a hit.
	raw, ok := c.provider.Get(ctx, k)
	if !ok {
		return nil, fmt.Errorf("server %q does not advertise tool %q", id.Server, id.Tool)
	}
	return decode(raw)
}

// ServerSchemas returns every schema one server advertises, refreshing the
// whole server when the cached listing has gone stale. When the upstream is
// unreachable, stale entries are served if any exist.
func (c *Cache) ServerSchemas(ctx context.Context, server string) ([]schema.ToolSchema, error) {
	_, err, _ := c.group.Do(server, func() (any, error) {
		if _, ok := c.provider.Get(ctx, markerKey(server)); ok {
			c.hit()
			return nil, nil
		}
		c.miss()
		return nil, c.refresh(ctx, server)
	})
	if err != nil {
		if stale := c.collect(ctx, server, true); len(stale) > 0 {
			logging.GetLogger().Warn("schema listing failed, serving stale entries",
				"server", server, "error", err)
			return stale, nil
		}
		return nil, fmt.Errorf("failed to list schemas for server %q: %w", server, err)
	}
	return c.collect(ctx, server, false), nil
}

// refresh lists the server's tools and stores all of them, plus a marker
// recording that a full listing happened.
func (c *Cache) refresh(ctx context.Context, server string) error {
	schemas, err := c.lister.ListToolSchemas(ctx, server)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		id, err := tool.ParseID(s.Name)
		if err != nil {
			logging.GetLogger().Warn("skipping tool with unparseable name",
				"server", server, "name", s.Name)
			continue
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode schema for %q: %w", s.Name, err)
		}
		c.provider.Set(ctx, key(id), raw)
	}
	c.provider.Set(ctx, markerKey(server), []byte("1"))
	return nil
}

// markerKey can never collide with a tool key since tool segments are
// nonempty.
func markerKey(server string) string {
	return server + "::"
}

func (c *Cache) collect(ctx context.Context, server string, stale bool) []schema.ToolSchema {
	prefix := server + "::"
	var out []schema.ToolSchema
	for _, e := range c.provider.Entries(ctx) {
		if !strings.HasPrefix(e.Key, prefix) || e.Key == markerKey(server) {
			continue
		}
		var raw []byte
		var ok bool
		if stale {
			raw, ok = c.provider.GetStale(ctx, e.Key)
		} else {
			raw, ok = c.provider.Get(ctx, e.Key)
		}
		if !ok {
			continue
		}
		if s, err := decode(raw); err == nil {
			out = append(out, *s)
		}
	}
	return out
}

// Len reports how many schemas are cached, fresh or stale.
func (c *Cache) Len() int {
	n := 0
	for _, e := range c.provider.Entries(context.Background()) {
		if !strings.HasSuffix(e.Key, "::") {
			n++
		}
	}
	return n
}

// Clear drops all cached schemas.
func (c *Cache) Clear(ctx context.Context) {
	c.provider.Clear(ctx)
}

func decode(raw []byte) (*schema.ToolSchema, error) {
	var s schema.ToolSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("corrupt cached schema: %w", err)
	}
	return &s, nil
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.IncrCacheHit(cacheType)
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.IncrCacheMiss(cacheType)
	}
}
