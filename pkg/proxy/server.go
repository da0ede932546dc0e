// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the localhost HTTP server that sandboxed code
// calls to reach upstream tool servers. Every execution owns one instance
// with its own port and bearer token.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/dlp"
	"github.com/mcpany/broker/pkg/logging"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/ratelimit"
	"github.com/mcpany/broker/pkg/schemacache"
	"github.com/mcpany/broker/pkg/tool"
	"github.com/mcpany/broker/pkg/upstream"
)

const (
	// DefaultDiscoveryTimeout bounds the discovery aggregate fetch.
	DefaultDiscoveryTimeout = 500 * time.Millisecond
	// DefaultCallTimeout bounds a single tool invocation end to end.
	DefaultCallTimeout = 120 * time.Second
)

// Options wires one proxy instance to the shared subsystems.
type Options struct {
	Pool      *upstream.Pool
	Schemas   *schemacache.Cache
	Allowlist *tool.Allowlist
	Tracker   *tool.Tracker
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Registry
	Audit     *audit.Logger
	Filter    *dlp.Filter

	// ClientID identifies this execution to the rate limiter.
	ClientID string
	// DiscoveryTimeout defaults to DefaultDiscoveryTimeout.
	DiscoveryTimeout time.Duration
	// CallTimeout defaults to DefaultCallTimeout.
	CallTimeout time.Duration
}

// Server is one execution's proxy. Create with NewServer, then Start.
type Server struct {
	opts  Options
	token string

	listener     net.Listener
	httpServer   *http.Server
	startedAt    time.Time
	shuttingDown atomic.Bool
}

// NewServer builds a proxy with a fresh 256-bit bearer token.
func NewServer(opts Options) (*Server, error) {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "default"
	}
	if opts.Tracker == nil {
		opts.Tracker = tool.NewTracker()
	}
	if opts.Allowlist == nil {
		opts.Allowlist = tool.NewAllowlist(nil)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.Config{})
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	if opts.Metrics != nil {
		opts.Metrics.RegisterCounter("tool_calls_total",
			"Tool invocations by tool and status.", "tool", "status")
	}
	s := &Server{opts: opts, token: token, startedAt: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleToolCall).Methods(http.MethodPost)
	r.HandleFunc("/mcp/tools", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})

	s.httpServer = &http.Server{
		Handler:           s.instrument(s.guard(r)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate proxy token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Start binds 127.0.0.1 on an ephemeral port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to bind proxy listener: %w", err)
	}
	s.listener = ln
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.GetLogger().Error("proxy server stopped", "error", err)
		}
	}()
	logging.GetLogger().Info("proxy server listening", "addr", ln.Addr().String())
	return nil
}

// URL returns the base URL of the running proxy.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Token returns the bearer token sandboxed code must present.
func (s *Server) Token() string {
	return s.token
}

// SetShuttingDown flips the flag that turns every endpoint into a 503.
func (s *Server) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

// CloseListener stops accepting new connections without waiting for
// in-flight requests.
func (s *Server) CloseListener() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// guard rejects requests during shutdown and enforces bearer auth.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shuttingDown.Load() {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable,
				errorBody{Error: "Server is shutting down, please retry your request"})
			return
		}
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Auth token invalid"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

// instrument records the request counter and duration histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.opts.Metrics.ObserveHTTPRequest(
			r.Method, fmt.Sprintf("%d", rec.status), r.URL.Path, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Error       string   `json:"error"`
	Query       string   `json:"query,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	RetryAfter  float64  `json:"retryAfter,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Window      float64  `json:"window,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.GetLogger().Warn("failed to encode response", "error", err)
	}
}

func rateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "Rate limit exceeded",
		RetryAfter: d.RetryAfter.Seconds(),
		Limit:      d.Limit,
		Window:     d.Window.Seconds(),
	})
}
