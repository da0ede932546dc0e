// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, Entry{
		Timestamp:     time.Unix(1700000000, 0).UTC(),
		CorrelationID: "exec-1",
		EventType:     EventToolCall,
		Status:        StatusOK,
		ToolName:      "mcp__zen__chat",
	}))
	require.NoError(t, store.Write(ctx, Entry{
		CorrelationID: "exec-1",
		EventType:     EventRateLimited,
		Status:        StatusDenied,
		ClientID:      "client_1",
	}))

	entries, err := store.Read(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventToolCall, entries[0].EventType)
	assert.Equal(t, "mcp__zen__chat", entries[0].ToolName)

	denied, err := store.Read(ctx, Filter{EventType: EventRateLimited})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, StatusDenied, denied[0].Status)
}

func TestFileStoreReadLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Write(ctx, Entry{EventType: EventToolCall, Status: StatusOK}))
	}
	entries, err := store.Read(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

type failingStore struct{}

func (failingStore) Write(context.Context, Entry) error { return errors.New("disk full") }
func (failingStore) Read(context.Context, Filter) ([]Entry, error) {
	return nil, errors.New("disk full")
}
func (failingStore) Close() error { return nil }

func TestLoggerIsBestEffort(t *testing.T) {
	// A failing store must not panic or propagate.
	l := NewLogger(failingStore{})
	l.Record(context.Background(), Entry{EventType: EventToolCall})
	require.NoError(t, l.Close())

	// A nil store drops everything silently.
	var none *Logger
	none.Record(context.Background(), Entry{EventType: EventToolCall})
	require.NoError(t, none.Close())
}

func TestLoggerFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	l := NewLogger(store)
	l.Record(context.Background(), Entry{EventType: EventExecutionStart, Status: StatusOK})
	require.NoError(t, l.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Read(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.NotEmpty(t, entries[0].CorrelationID)
}
