// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpany/broker/pkg/logging"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/resilience"
	"github.com/mcpany/broker/pkg/schema"
	"github.com/mcpany/broker/pkg/schemacache"
	"github.com/mcpany/broker/pkg/tool"
)

// client pairs one server's config with its lazily created session.
// Connect and reconnect serialize on mu; the pool lock is never held
// across a dial.
type client struct {
	mu      sync.Mutex
	cfg     ServerConfig
	session Session
	tools   []string
}

// Pool owns one client per configured upstream server. Sessions are
// created on first use and reused across executions.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]*client
	breakers *resilience.Manager
	metrics  *metrics.Registry
	connect  ConnectFunc
	active   atomic.Int64
	waiting  atomic.Int64
}

// PoolOption adjusts pool construction.
type PoolOption func(*Pool)

// WithConnectFunc overrides how sessions are established.
func WithConnectFunc(fn ConnectFunc) PoolOption {
	return func(p *Pool) { p.connect = fn }
}

// NewPool builds a Pool over the merged server configs. metrics may be nil.
func NewPool(configs map[string]ServerConfig, breakers *resilience.Manager, m *metrics.Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		clients:  make(map[string]*client, len(configs)),
		breakers: breakers,
		metrics:  m,
		connect:  Connect,
	}
	for name, cfg := range configs {
		p.clients[name] = &client{cfg: cfg}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Servers returns the configured server names, sorted.
func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.clients))
	for name := range p.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ConnectedCount reports how many upstreams currently hold a live session.
func (p *Pool) ConnectedCount() int {
	return int(p.active.Load())
}

func (p *Pool) lookup(server string) (*client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[server]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q", server)
	}
	return c, nil
}

// ensureSession returns the client's live session, dialing when needed.
// The caller must hold c.mu.
func (p *Pool) ensureSession(ctx context.Context, c *client) (Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	s, err := p.connect(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server %q: %w", c.cfg.Name, err)
	}
	c.session = s
	p.setActive(p.active.Add(1))
	logging.GetLogger().Info("connected to MCP server", "server", c.cfg.Name)
	return s, nil
}

// reconnect drops a broken session and dials again. The caller must hold
// c.mu.
func (p *Pool) reconnect(ctx context.Context, c *client) (Session, error) {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
		p.setActive(p.active.Add(-1))
	}
	return p.ensureSession(ctx, c)
}

func (p *Pool) setActive(n int64) {
	if p.metrics != nil {
		p.metrics.SetPoolActiveConnections(int(n))
	}
}

func (p *Pool) setQueueDepth(n int64) {
	if p.metrics != nil {
		p.metrics.SetPoolQueueDepth(int(n))
	}
}

// ListToolSchemas lists one server's tools under fully qualified names.
// It is the schema cache's refresh source.
func (p *Pool) ListToolSchemas(ctx context.Context, server string) ([]schema.ToolSchema, error) {
	c, err := p.lookup(server)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := p.ensureSession(ctx, c)
	if err != nil {
		return nil, err
	}

	tools, err := s.ListTools(ctx)
	if err != nil {
		// One retry over a fresh transport.
		s, rerr := p.reconnect(ctx, c)
		if rerr != nil {
			return nil, err
		}
		tools, err = s.ListTools(ctx)
		if err != nil {
			return nil, err
		}
	}

	out := make([]schema.ToolSchema, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		t.Name = tool.ID{Server: server, Tool: t.Name}.String()
		out = append(out, t)
		names = append(names, t.Name)
	}
	c.tools = names
	return out, nil
}

// ListAllTools returns the union of the most recently listed tool names
// across all upstreams.
func (p *Pool) ListAllTools() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.clients {
		c.mu.Lock()
		out = append(out, c.tools...)
		c.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// ListAllToolSchemas queries every upstream in parallel through the schema
// cache. A failed upstream contributes no tools but does not fail the
// aggregate.
func (p *Pool) ListAllToolSchemas(ctx context.Context, cache *schemacache.Cache) []schema.ToolSchema {
	servers := p.Servers()
	tasks := make([]func(context.Context) ([]schema.ToolSchema, error), 0, len(servers))
	for _, server := range servers {
		server := server
		tasks = append(tasks, func(ctx context.Context) ([]schema.ToolSchema, error) {
			return cache.ServerSchemas(ctx, server)
		})
	}

	results, failures := resilience.Gather(ctx, tasks)
	for _, f := range failures {
		logging.GetLogger().Warn("upstream excluded from discovery",
			"server", servers[f.Index], "error", f.Err)
	}

	var out []schema.ToolSchema
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// CallTool routes one invocation to the named upstream, guarded by that
// upstream's circuit breaker. A transport error triggers one reconnect and
// retry inside the same breaker execution.
func (p *Pool) CallTool(ctx context.Context, id tool.ID, params map[string]any) (*Result, error) {
	c, err := p.lookup(id.Server)
	if err != nil {
		return nil, err
	}

	var result *Result
	breaker := p.breakers.Get(id.Server)
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		waitStart := time.Now()
		p.setQueueDepth(p.waiting.Add(1))
		c.mu.Lock()
		defer c.mu.Unlock()
		p.setQueueDepth(p.waiting.Add(-1))
		if p.metrics != nil {
			p.metrics.ObservePoolQueueWait(time.Since(waitStart))
		}

		s, err := p.ensureSession(ctx, c)
		if err != nil {
			return err
		}

		res, err := s.CallTool(ctx, id.Tool, params)
		if err != nil {
			logging.GetLogger().Warn("tool call transport error, reconnecting",
				"server", id.Server, "tool", id.Tool, "error", err)
			s, rerr := p.reconnect(ctx, c)
			if rerr != nil {
				return err
			}
			res, err = s.CallTool(ctx, id.Tool, params)
			if err != nil {
				return err
			}
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cleanup closes every live session. Safe to call more than once.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.mu.Lock()
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				logging.GetLogger().Warn("failed to close MCP session",
					"server", c.cfg.Name, "error", err)
			}
			c.session = nil
		}
		c.mu.Unlock()
	}
	p.active.Store(0)
	p.setActive(0)
}
