// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"sync"
	"time"
)

// CallStatus classifies the result of one invocation.
type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusError   CallStatus = "error"
)

// CallRecord captures one tool invocation.
type CallRecord struct {
	ToolName     string        `json:"toolName"`
	Duration     time.Duration `json:"duration"`
	Status       CallStatus    `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Aggregate accumulates the per-tool view of all records.
type Aggregate struct {
	ToolName      string        `json:"toolName"`
	CallCount     int           `json:"callCount"`
	SuccessCount  int           `json:"successCount"`
	ErrorCount    int           `json:"errorCount"`
	TotalDuration time.Duration `json:"totalDuration"`
	AvgDuration   time.Duration `json:"avgDuration"`
	LastDuration  time.Duration `json:"lastDuration"`
	LastStatus    CallStatus    `json:"lastStatus"`
	LastError     string        `json:"lastError,omitempty"`
	LastCalledAt  time.Time     `json:"lastCalledAt"`
}

// Tracker records invocations for one execution in arrival order and keeps
// per-tool aggregates. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	calls []CallRecord
	byID  map[string]*Aggregate
	order []string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{byID: make(map[string]*Aggregate)}
}

// Record appends one invocation record and updates its tool's aggregate.
func (t *Tracker) Record(rec CallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, rec)

	agg, ok := t.byID[rec.ToolName]
	if !ok {
		agg = &Aggregate{ToolName: rec.ToolName}
		t.byID[rec.ToolName] = agg
		t.order = append(t.order, rec.ToolName)
	}

	agg.CallCount++
	if rec.Status == StatusSuccess {
		agg.SuccessCount++
	} else {
		agg.ErrorCount++
		agg.LastError = rec.ErrorMessage
	}
	agg.TotalDuration += rec.Duration
	agg.AvgDuration = agg.TotalDuration / time.Duration(agg.CallCount)
	agg.LastDuration = rec.Duration
	agg.LastStatus = rec.Status
	agg.LastCalledAt = rec.Timestamp
}

// Calls returns a copy of all records in arrival order.
func (t *Tracker) Calls() []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallRecord, len(t.calls))
	copy(out, t.calls)
	return out
}

// UniqueCalls returns the distinct tool names in first-call order.
func (t *Tracker) UniqueCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Summary returns per-tool aggregates in first-call order. The returned
// values are copies.
func (t *Tracker) Summary() []Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Aggregate, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.byID[name])
	}
	return out
}

// Len returns the number of recorded invocations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
