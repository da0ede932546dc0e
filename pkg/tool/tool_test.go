// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		raw     string
		want    ID
		wantErr bool
	}{
		{raw: "mcp__zen__chat", want: ID{Server: "zen", Tool: "chat"}},
		{raw: "mcp__file_system__read_file", want: ID{Server: "file_system", Tool: "read_file"}},
		{raw: "mcp__zen__deep__think", want: ID{Server: "zen", Tool: "deep__think"}},
		{raw: "zen__chat", wantErr: true},
		{raw: "mcp__zen", wantErr: true},
		{raw: "mcp____chat", wantErr: true},
		{raw: "mcp__Zen__chat", wantErr: true},
		{raw: "mcp__zen__Chat", wantErr: true},
		{raw: "mcp__zen__", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			id, err := ParseID(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
			assert.Equal(t, tc.raw, id.String())
		})
	}
}

func TestAllowlist(t *testing.T) {
	ids := []string{"mcp__zen__chat", "mcp__fs__read"}
	al := NewAllowlist(ids)

	// The list is frozen at construction.
	ids[0] = "mcp__zen__mutated"
	assert.True(t, al.Contains("mcp__zen__chat"))
	assert.False(t, al.Contains("mcp__zen__mutated"))

	require.NoError(t, al.Check("mcp__fs__read"))

	err := al.Check("mcp__fs__write")
	require.Error(t, err)
	assert.Equal(t,
		"Tool 'mcp__fs__write' not in allowlist. Add 'mcp__fs__write' to allowedTools array.",
		err.Error())
}

func TestAllowlistIntersect(t *testing.T) {
	requested := NewAllowlist([]string{"mcp__a__x", "mcp__a__y", "mcp__b__z"})
	granted := NewAllowlist([]string{"mcp__a__y", "mcp__b__z", "mcp__c__w"})

	got := requested.Intersect(granted)
	assert.Equal(t, 2, got.Len())
	assert.True(t, got.Contains("mcp__a__y"))
	assert.True(t, got.Contains("mcp__b__z"))
	assert.False(t, got.Contains("mcp__a__x"))
}

func TestTrackerAggregates(t *testing.T) {
	tr := NewTracker()
	at := time.Unix(1700000000, 0)

	tr.Record(CallRecord{ToolName: "mcp__zen__chat", Duration: 100 * time.Millisecond, Status: StatusSuccess, Timestamp: at})
	tr.Record(CallRecord{ToolName: "mcp__fs__read", Duration: 20 * time.Millisecond, Status: StatusSuccess, Timestamp: at.Add(time.Second)})
	tr.Record(CallRecord{ToolName: "mcp__zen__chat", Duration: 300 * time.Millisecond, Status: StatusError, ErrorMessage: "boom", Timestamp: at.Add(2 * time.Second)})

	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "mcp__zen__chat", calls[0].ToolName)
	assert.Equal(t, "mcp__fs__read", calls[1].ToolName)

	// Summary preserves first-call order.
	sum := tr.Summary()
	require.Len(t, sum, 2)
	assert.Equal(t, "mcp__zen__chat", sum[0].ToolName)
	assert.Equal(t, 2, sum[0].CallCount)
	assert.Equal(t, 1, sum[0].SuccessCount)
	assert.Equal(t, 1, sum[0].ErrorCount)
	assert.Equal(t, 400*time.Millisecond, sum[0].TotalDuration)
	assert.Equal(t, 200*time.Millisecond, sum[0].AvgDuration)
	assert.Equal(t, 300*time.Millisecond, sum[0].LastDuration)
	assert.Equal(t, StatusError, sum[0].LastStatus)
	assert.Equal(t, "boom", sum[0].LastError)

	assert.Equal(t, []string{"mcp__zen__chat", "mcp__fs__read"}, tr.UniqueCalls())

	total := 0
	for _, a := range sum {
		total += a.CallCount
		assert.Equal(t, a.CallCount, a.SuccessCount+a.ErrorCount)
	}
	assert.Equal(t, tr.Len(), total)
}

func TestTrackerReturnsCopies(t *testing.T) {
	tr := NewTracker()
	tr.Record(CallRecord{ToolName: "mcp__zen__chat", Status: StatusSuccess})

	calls := tr.Calls()
	calls[0].ToolName = "tampered"
	assert.Equal(t, "mcp__zen__chat", tr.Calls()[0].ToolName)

	sum := tr.Summary()
	sum[0].CallCount = 99
	assert.Equal(t, 1, tr.Summary()[0].CallCount)
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Record(CallRecord{ToolName: "mcp__zen__chat", Status: StatusSuccess})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 500, tr.Len())
	sum := tr.Summary()
	require.Len(t, sum, 1)
	assert.Equal(t, 500, sum[0].CallCount)
}
