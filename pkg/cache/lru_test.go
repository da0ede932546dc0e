// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRUBasicOps(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRU(10, 0)
	require.NoError(t, err)

	_, ok := c.Get(ctx, "missing")
	require.False(t, ok)

	c.Set(ctx, "a", []byte("1"))
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	require.True(t, c.Has(ctx, "a"))
	require.Equal(t, 1, c.Len())

	c.Delete(ctx, "a")
	require.False(t, c.Has(ctx, "a"))

	c.Set(ctx, "b", []byte("2"))
	c.Set(ctx, "c", []byte("3"))
	c.Clear(ctx)
	require.Equal(t, 0, c.Len())
}

func TestLRUEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRU(2, 0)
	require.NoError(t, err)

	c.Set(ctx, "a", []byte("1"))
	c.Set(ctx, "b", []byte("2"))

	// Touch "a" so "b" is the eviction candidate.
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", []byte("3"))

	require.True(t, c.Has(ctx, "a"))
	require.False(t, c.Has(ctx, "b"))
	require.True(t, c.Has(ctx, "c"))
}

func TestLRUTTLAndStaleReads(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRU(10, time.Minute)
	require.NoError(t, err)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set(ctx, "a", []byte("1"))

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = c.Get(ctx, "a")
	require.False(t, ok, "expired entry must not be served by Get")
	require.False(t, c.Has(ctx, "a"))

	v, ok := c.GetStale(ctx, "a")
	require.True(t, ok, "expired entry must still be served by GetStale")
	require.Equal(t, []byte("1"), v)

	// A fresh Set resets the age.
	c.Set(ctx, "a", []byte("2"))
	_, ok = c.Get(ctx, "a")
	require.True(t, ok)
}

func TestLRUEntriesSnapshot(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRU(10, 0)
	require.NoError(t, err)

	c.Set(ctx, "a", []byte("1"))
	c.Set(ctx, "b", []byte("2"))

	entries := c.Entries(ctx)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Key)
	require.Equal(t, "b", entries[1].Key)
	require.False(t, entries[0].InsertedAt.IsZero())
}
