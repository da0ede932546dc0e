// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpany/broker/pkg/cache"
	"github.com/mcpany/broker/pkg/dlp"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/ratelimit"
	"github.com/mcpany/broker/pkg/resilience"
	"github.com/mcpany/broker/pkg/schema"
	"github.com/mcpany/broker/pkg/schemacache"
	"github.com/mcpany/broker/pkg/tool"
	"github.com/mcpany/broker/pkg/upstream"
)

// fakeUpstream serves canned schemas and responses for one server name.
type fakeUpstream struct {
	schemas  []schema.ToolSchema
	response string
	isError  bool
	callErr  error
	delay    time.Duration
}

func (f *fakeUpstream) ListTools(context.Context) ([]schema.ToolSchema, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.schemas, nil
}

func (f *fakeUpstream) CallTool(context.Context, string, map[string]any) (*upstream.Result, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &upstream.Result{Text: f.response, IsError: f.isError}, nil
}

func (f *fakeUpstream) Close() error { return nil }

type proxyFixture struct {
	server *Server
	client *http.Client
}

type fixtureConfig struct {
	upstreams    map[string]*fakeUpstream
	allowedTools []string
	limit        ratelimit.Config
	filter       *dlp.Filter
	discoveryTO  time.Duration
	breaker      resilience.Config
}

func newFixture(t *testing.T, cfg fixtureConfig) *proxyFixture {
	t.Helper()

	if cfg.limit.Default.MaxRequests == 0 {
		cfg.limit = ratelimit.Config{
			Default:   ratelimit.Limit{MaxRequests: 100, Window: time.Minute},
			Overrides: map[string]ratelimit.Limit{"discovery": {MaxRequests: 100, Window: time.Minute}},
		}
	}

	configs := make(map[string]upstream.ServerConfig)
	for name := range cfg.upstreams {
		configs[name] = upstream.ServerConfig{Name: name, Command: "/bin/" + name}
	}
	pool := upstream.NewPool(configs, resilience.NewManager(cfg.breaker, nil), nil,
		upstream.WithConnectFunc(func(_ context.Context, sc upstream.ServerConfig) (upstream.Session, error) {
			return cfg.upstreams[sc.Name], nil
		}))

	lru, err := cache.NewLRU(128, schemacache.DefaultTTL)
	require.NoError(t, err)
	schemas := schemacache.New(lru, pool, nil)

	srv, err := NewServer(Options{
		Pool:             pool,
		Schemas:          schemas,
		Allowlist:        tool.NewAllowlist(cfg.allowedTools),
		Tracker:          tool.NewTracker(),
		Limiter:          ratelimit.New(cfg.limit),
		Metrics:          metrics.New(),
		Filter:           cfg.filter,
		ClientID:         "client_1",
		DiscoveryTimeout: cfg.discoveryTO,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.CloseListener()
		pool.Cleanup()
	})

	return &proxyFixture{server: srv, client: &http.Client{Timeout: 5 * time.Second}}
}

func (f *proxyFixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.server.URL()+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	return res.StatusCode, decoded
}

func (f *proxyFixture) call(t *testing.T, toolName string, params map[string]any) (int, map[string]any) {
	return f.do(t, http.MethodPost, "/", f.server.Token(),
		map[string]any{"toolName": toolName, "params": params})
}

func zenUpstream() map[string]*fakeUpstream {
	return map[string]*fakeUpstream{
		"zen": {
			schemas: []schema.ToolSchema{
				{Name: "codereview", Description: "Review code for issues",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"]}`)},
			},
			response: "review done",
		},
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.do(t, http.MethodPost, "/", "", map[string]any{"toolName": "mcp__zen__codereview"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Auth token invalid", body["error"])

	status, _ = f.do(t, http.MethodPost, "/", "wrong-token", map[string]any{"toolName": "mcp__zen__codereview"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAllowlistReject(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.call(t, "mcp__evil__hack", map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["error"], "Add 'mcp__evil__hack' to allowedTools array")
}

func TestToolCallSuccess(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "check this"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "review done", body["result"])
}

func TestToolCallInvalidID(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.call(t, "not-a-tool-id", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])
}

func TestToolCallSchemaValidation(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.call(t, "mcp__zen__codereview", map[string]any{"prompt": 5})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])
}

func TestToolCallRateLimited(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams:    zenUpstream(),
		allowedTools: []string{"mcp__zen__codereview"},
		limit:        ratelimit.Config{Default: ratelimit.Limit{MaxRequests: 1, Window: time.Minute}},
	})

	status, _ := f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusOK, status)

	status, body := f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	retryAfter, ok := body["retryAfter"].(float64)
	require.True(t, ok)
	assert.Greater(t, retryAfter, 0.0)
	assert.LessOrEqual(t, retryAfter, 60.0)
	assert.Equal(t, 1.0, body["limit"])
}

func TestToolCallUpstreamFailureAndBreaker(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams: map[string]*fakeUpstream{
			"zen": {callErr: errors.New("pipe closed")},
		},
		allowedTools: []string{"mcp__zen__chat"},
		breaker:      resilience.Config{FailureThreshold: 1, Cooldown: 30 * time.Second},
	})

	status, _ := f.call(t, "mcp__zen__chat", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, body := f.call(t, "mcp__zen__chat", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body["error"], "Circuit breaker is open for server 'zen'")
}

func TestToolCallSSRFBlock(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams: map[string]*fakeUpstream{
			"fetcher": {
				schemas: []schema.ToolSchema{
					{Name: "fetch", Description: "Fetch a URL",
						InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}}}`)},
				},
				response: "fetched",
			},
		},
		allowedTools: []string{"mcp__fetcher__fetch"},
	})

	status, body := f.call(t, "mcp__fetcher__fetch",
		map[string]any{"url": "http://169.254.169.254/latest/meta-data/"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["error"], "cloud metadata endpoint")

	status, _ = f.call(t, "mcp__fetcher__fetch", map[string]any{"url": "http://8.8.8.8/"})
	assert.Equal(t, http.StatusOK, status)
}

func TestToolCallContentFilter(t *testing.T) {
	secret := "sk-abcdefghijklmnopqrstuvwxyz123456"

	t.Run("redact", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{
			upstreams: map[string]*fakeUpstream{
				"zen": {response: "key is " + secret},
			},
			allowedTools: []string{"mcp__zen__chat"},
			filter:       &dlp.Filter{},
		})
		status, body := f.call(t, "mcp__zen__chat", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "key is [REDACTED_SECRET]", body["result"])
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{
			upstreams: map[string]*fakeUpstream{
				"zen": {response: "key is " + secret},
			},
			allowedTools: []string{"mcp__zen__chat"},
			filter:       &dlp.Filter{RejectOnSecret: true},
		})
		status, body := f.call(t, "mcp__zen__chat", nil)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, "Content filter violation: 1 secrets detected", body["error"])
	})
}

func TestDiscoveryFilter(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams: map[string]*fakeUpstream{
			"zen":        {schemas: []schema.ToolSchema{{Name: "codereview", Description: "Review code"}}},
			"filesystem": {schemas: []schema.ToolSchema{{Name: "read", Description: "Read a file"}}},
			"fetcher":    {schemas: []schema.ToolSchema{{Name: "fetch", Description: "Fetch a URL"}}},
		},
		allowedTools: []string{"mcp__zen__codereview"},
	})

	status, body := f.do(t, http.MethodGet, "/mcp/tools?q=code&q=file", f.server.Token(), nil)
	require.Equal(t, http.StatusOK, status)

	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	var names []string
	for _, raw := range tools {
		m := raw.(map[string]any)
		names = append(names, m["name"].(string))
	}
	assert.Contains(t, names, "mcp__zen__codereview")
	assert.Contains(t, names, "mcp__filesystem__read")
	assert.NotContains(t, names, "mcp__fetcher__fetch")
}

func TestDiscoveryNoKeywordsReturnsAll(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams:    zenUpstream(),
		allowedTools: []string{"mcp__zen__codereview"},
	})

	status, body := f.do(t, http.MethodGet, "/mcp/tools", f.server.Token(), nil)
	require.Equal(t, http.StatusOK, status)
	tools := body["tools"].([]any)
	assert.Len(t, tools, 1)
}

func TestDiscoveryInvalidKeyword(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: nil})

	status, body := f.do(t, http.MethodGet, "/mcp/tools?q=%3Cscript%3E", f.server.Token(), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "<script>", body["query"])
}

func TestDiscoveryTimeout(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		upstreams: map[string]*fakeUpstream{
			"slow": {delay: 2 * time.Second},
		},
		discoveryTO: 50 * time.Millisecond,
	})

	start := time.Now()
	status, body := f.do(t, http.MethodGet, "/mcp/tools", f.server.Token(), nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Request timeout after 50ms", body["error"])
	assert.Less(t, time.Since(start), time.Second, "no hang")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	status, body := f.do(t, http.MethodGet, "/health", f.server.Token(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["healthy"])

	// A tool call connects the upstream; health flips.
	f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "hi"})

	status, body = f.do(t, http.MethodGet, "/health", f.server.Token(), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["healthy"])
	clients := body["mcpClients"].(map[string]any)
	assert.Equal(t, 1.0, clients["connected"])
	sc := body["schemaCache"].(map[string]any)
	assert.Equal(t, 1.0, sc["size"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestShuttingDown(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})
	f.server.SetShuttingDown(true)

	req, err := http.NewRequest(http.MethodGet, f.server.URL()+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.server.Token())
	res, err := f.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "Server is shutting down, please retry your request", body["error"])
}

func TestUnknownPathAndMethod(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream()})

	status, _ := f.do(t, http.MethodGet, "/nope", f.server.Token(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodDelete, "/mcp/tools", f.server.Token(), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestTrackerRecordsCalls(t *testing.T) {
	f := newFixture(t, fixtureConfig{upstreams: zenUpstream(), allowedTools: []string{"mcp__zen__codereview"}})

	f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "one"})
	f.call(t, "mcp__zen__codereview", map[string]any{"prompt": "two"})

	calls := f.server.opts.Tracker.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, tool.StatusSuccess, calls[0].Status)

	sum := f.server.opts.Tracker.Summary()
	require.Len(t, sum, 1)
	assert.Equal(t, 2, sum[0].CallCount)
}
