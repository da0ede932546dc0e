// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package audit records security-relevant broker events as structured
// entries. Stores are interchangeable; the default writes JSON lines.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mcpany/broker/pkg/logging"
)

// EventType names the class of a recorded event.
type EventType string

const (
	EventExecutionStart EventType = "execution_start"
	EventExecutionEnd   EventType = "execution_end"
	EventToolCall       EventType = "tool_call"
	EventToolDiscovery  EventType = "tool_discovery"
	EventRateLimited    EventType = "rate_limited"
	EventBreakerOpen    EventType = "breaker_open"
	EventFilterHit      EventType = "filter_violation"
	EventShutdown       EventType = "shutdown"
)

// Status of the audited operation.
type Status string

const (
	StatusOK     Status = "ok"
	StatusDenied Status = "denied"
	StatusFailed Status = "failed"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	EventType     EventType      `json:"event_type"`
	Status        Status         `json:"status"`
	ClientID      string         `json:"client_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Filter narrows a Read of stored entries.
type Filter struct {
	EventType     EventType
	CorrelationID string
	Limit         int
}

// Store persists audit entries.
type Store interface {
	// Write appends one entry.
	Write(ctx context.Context, entry Entry) error
	// Read returns stored entries matching the filter, oldest first.
	Read(ctx context.Context, filter Filter) ([]Entry, error)
	// Close releases the backing resource.
	Close() error
}

// Logger records events best-effort on top of a Store: write failures are
// logged, never propagated, so auditing cannot take the broker down.
type Logger struct {
	store Store
}

// NewLogger wraps store. A nil store yields a logger that drops everything.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

// Record fills in the timestamp and a correlation ID when absent, then
// writes the entry.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	if l == nil || l.store == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = uuid.NewString()
	}
	if err := l.store.Write(ctx, entry); err != nil {
		logging.GetLogger().Warn("audit write failed",
			"event_type", entry.EventType, "error", err)
	}
}

// Close flushes and closes the underlying store.
func (l *Logger) Close() error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.Close()
}
