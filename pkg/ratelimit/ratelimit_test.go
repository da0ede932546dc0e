// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	at := time.Unix(1700000000, 0)
	l.now = func() time.Time { return at }
	return l, &at
}

func TestBurstThenDeny(t *testing.T) {
	l, at := newTestLimiter(Config{Default: Limit{MaxRequests: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		d := l.Check("client_1", "default")
		require.True(t, d.Allowed, "request %d must be allowed", i+1)
	}

	d := l.Check("client_1", "default")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
	require.Equal(t, 3, d.Limit)
	require.Equal(t, time.Minute, d.Window)

	// After the window has fully passed, requests flow again.
	*at = at.Add(60001 * time.Millisecond)
	require.True(t, l.Check("client_1", "default").Allowed)
}

func TestWindowBoundaryIsStrict(t *testing.T) {
	l, at := newTestLimiter(Config{Default: Limit{MaxRequests: 1, Window: time.Minute}})

	require.True(t, l.Check("c", "default").Allowed)

	// One millisecond before expiry the stamp still counts.
	*at = at.Add(time.Minute - time.Millisecond)
	require.False(t, l.Check("c", "default").Allowed)

	// At exactly the window the stamp has left the (t-w, t] interval.
	*at = at.Add(time.Millisecond)
	require.True(t, l.Check("c", "default").Allowed)
}

func TestClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{Default: Limit{MaxRequests: 1, Window: time.Minute}})

	require.True(t, l.Check("a", "default").Allowed)
	require.False(t, l.Check("a", "default").Allowed)
	require.True(t, l.Check("b", "default").Allowed)
}

func TestEndpointOverrides(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Default:   Limit{MaxRequests: 1, Window: time.Minute},
		Overrides: map[string]Limit{"discovery": {MaxRequests: 2, Window: time.Minute}},
	})

	require.True(t, l.Check("c", "default").Allowed)
	require.False(t, l.Check("c", "default").Allowed)

	// The discovery class has its own, larger budget.
	require.True(t, l.Check("c", "discovery").Allowed)
	require.True(t, l.Check("c", "discovery").Allowed)
	d := l.Check("c", "discovery")
	require.False(t, d.Allowed)
	require.Equal(t, 2, d.Limit)
}

func TestConcurrentBurstAllowsExactlyMax(t *testing.T) {
	l := New(Config{Default: Limit{MaxRequests: 10, Window: time.Minute}})

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Check("burst", "default").Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for a := range allowed {
		if a {
			n++
		}
	}
	require.Equal(t, 10, n)
}

func TestUnlimitedWhenZeroConfig(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Check("c", "default").Allowed)
	}
}

func TestRetryAfterShrinksAsWindowSlides(t *testing.T) {
	l, at := newTestLimiter(Config{Default: Limit{MaxRequests: 1, Window: time.Minute}})

	require.True(t, l.Check("c", "default").Allowed)

	*at = at.Add(20 * time.Second)
	d := l.Check("c", "default")
	require.False(t, d.Allowed)
	require.Equal(t, 40*time.Second, d.RetryAfter)

	*at = at.Add(30 * time.Second)
	d = l.Check("c", "default")
	require.False(t, d.Allowed)
	require.Equal(t, 10*time.Second, d.RetryAfter)
}
