// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"sync"
)

// StateObserver receives breaker state transitions, typically to feed the
// circuit_breaker_state gauge.
type StateObserver func(server string, state State)

// Manager owns one Breaker per upstream server, created on demand with a
// shared configuration.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
	observer StateObserver
}

// NewManager creates a Manager whose breakers use cfg.
func NewManager(cfg Config, observer StateObserver) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		observer: observer,
	}
}

// Get returns the breaker for server, creating it closed on first use.
func (m *Manager) Get(server string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[server]
	if !ok {
		b = NewBreaker(server, m.cfg)
		b.onTransition = m.observer
		m.breakers[server] = b
		if m.observer != nil {
			m.observer(server, StateClosed)
		}
	}
	return b
}

// Snapshots returns a point-in-time copy of every breaker's state.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
