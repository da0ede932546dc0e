// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package resilience isolates failing upstream servers: a per-upstream
// circuit breaker, a call timeout, and a combinator for resilient parallel
// aggregation.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// State is the current position of a breaker's state machine.
type State int

const (
	// StateClosed lets calls pass through.
	StateClosed State = iota
	// StateOpen fails calls fast without touching the upstream.
	StateOpen
	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning. Zero values take the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default 30s.
	Cooldown time.Duration
	// Timeout bounds a single guarded call; exceeding it counts as a
	// failure. Default 60s.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// OpenError is returned when a call is rejected because the breaker is open.
type OpenError struct {
	Server     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("Circuit breaker is open for server '%s'. Retry after %ds", e.Server, secs)
}

// Snapshot is a point-in-time copy of a breaker's state, used by health and
// metrics.
type Snapshot struct {
	Server              string
	State               State
	ConsecutiveFailures int
	TotalFailures       uint64
	TotalSuccesses      uint64
	LastFailureAt       time.Time
	NextAttemptAt       time.Time
}

// Breaker is a per-upstream circuit breaker. All state mutations are
// serialized under its mutex; the guarded call itself runs unlocked.
type Breaker struct {
	mu sync.Mutex

	server string
	cfg    Config
	now    func() time.Time

	state               State
	consecutiveFailures int
	totalFailures       uint64
	totalSuccesses      uint64
	lastFailureAt       time.Time
	nextAttemptAt       time.Time
	probeInFlight       bool

	// onTransition, if set, observes every state change.
	onTransition func(server string, state State)
}

// NewBreaker creates a closed breaker for the named upstream server.
func NewBreaker(server string, cfg Config) *Breaker {
	return &Breaker{
		server: server,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs work under the breaker. When open it returns an *OpenError
// without touching the upstream. A call outliving the configured timeout is
// treated as a failure.
func (b *Breaker) Execute(ctx context.Context, work func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := work(callCtx)
	if err == nil && callCtx.Err() != nil {
		// The work returned after the deadline without observing it.
		err = callCtx.Err()
	}

	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			return &OpenError{Server: b.server, RetryAfter: b.nextAttemptAt.Sub(b.now())}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return &OpenError{Server: b.server, RetryAfter: b.nextAttemptAt.Sub(b.now())}
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = b.now()
	b.probeInFlight = false

	if b.state == StateHalfOpen {
		b.trip()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

// trip opens the breaker with a fresh cooldown. Caller holds the mutex.
func (b *Breaker) trip() {
	b.nextAttemptAt = b.now().Add(b.cfg.Cooldown)
	b.transition(StateOpen)
}

// transition sets the state and notifies the observer. Caller holds the mutex.
func (b *Breaker) transition(next State) {
	b.state = next
	if next == StateClosed {
		b.consecutiveFailures = 0
	}
	if b.onTransition != nil {
		b.onTransition(b.server, next)
	}
}

// State returns the current state. An open breaker advances to half-open
// only when admit lets a probe through, not here.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's counters for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Server:              b.server,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		LastFailureAt:       b.lastFailureAt,
		NextAttemptAt:       b.nextAttemptAt,
	}
}

// IsTimeout reports whether err is a context deadline error, which the
// breaker treats identically to a transport failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
