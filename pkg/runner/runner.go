// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package runner launches sandboxed user code with a dedicated proxy
// instance wired in through environment variables. Every failure mode
// produces a failed ExecutionResult rather than an escaping error.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/dlp"
	"github.com/mcpany/broker/pkg/logging"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/proxy"
	"github.com/mcpany/broker/pkg/ratelimit"
	"github.com/mcpany/broker/pkg/schemacache"
	"github.com/mcpany/broker/pkg/tool"
	"github.com/mcpany/broker/pkg/upstream"
)

// Permissions scopes what one execution may touch.
type Permissions struct {
	// WritePaths the code asks to write under. Each must fall inside a
	// configured allowed project root.
	WritePaths []string
}

// Options describes one execution request.
type Options struct {
	Code         string
	AllowedTools []string
	Timeout      time.Duration
	Permissions  Permissions
}

// ExecutionResult is the complete outcome of one sandbox run.
type ExecutionResult struct {
	Success     bool              `json:"success"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	ExecutionID string            `json:"executionId"`
	Duration    time.Duration     `json:"duration"`
	ToolCalls   []tool.CallRecord `json:"toolCalls,omitempty"`
	ToolSummary []tool.Aggregate  `json:"toolSummary,omitempty"`
}

// Engine runs the prepared code file inside the sandbox.
type Engine interface {
	Run(ctx context.Context, codePath string, env []string) (output string, err error)
}

// Config wires a Runner to the shared subsystems.
type Config struct {
	Engine  Engine
	Pool    *upstream.Pool
	Schemas *schemacache.Cache
	Metrics *metrics.Registry
	Audit   *audit.Logger
	Filter  *dlp.Filter

	// GrantedTools is the server-side allow-list. Requested tools are
	// intersected with it; an empty list grants whatever is requested.
	GrantedTools []string
	// AllowedProjects are the write roots. Empty denies all writes.
	AllowedProjects []string
	// BridgeHost is the hostname advertised to the sandbox.
	BridgeHost string
	// RateLimit applies per execution.
	RateLimit ratelimit.Config
	// DefaultTimeout bounds executions that do not set one.
	DefaultTimeout time.Duration
}

// Runner executes sandboxed code.
type Runner struct {
	cfg Config

	// readFile is swapped in tests to simulate tempfile tampering.
	readFile func(string) ([]byte, error)
}

// New builds a Runner.
func New(cfg Config) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	if cfg.BridgeHost == "" {
		cfg.BridgeHost = "localhost"
	}
	return &Runner{cfg: cfg, readFile: os.ReadFile}
}

var remoteImportRe = regexp.MustCompile(`(?m)(import\s+[^;]*?from\s*['"]https?://|import\s*\(\s*['"]https?://|require\s*\(\s*['"]https?://)`)

// Execute runs one sandboxed execution end to end.
func (r *Runner) Execute(ctx context.Context, opts Options) *ExecutionResult {
	execID := uuid.NewString()
	start := time.Now()
	res := &ExecutionResult{ExecutionID: execID}
	fail := func(format string, args ...any) *ExecutionResult {
		res.Success = false
		res.Error = fmt.Sprintf(format, args...)
		res.Duration = time.Since(start)
		r.auditEvent(ctx, execID, audit.EventExecutionEnd, audit.StatusFailed, res.Error)
		return res
	}

	if strings.TrimSpace(opts.Code) == "" {
		return fail("no code supplied")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.DefaultTimeout
	}

	if err := r.checkWritePaths(opts.Permissions.WritePaths); err != nil {
		return fail("%s", err.Error())
	}
	if remoteImportRe.MatchString(opts.Code) {
		return fail("remote module imports are not allowed")
	}

	allowed := tool.NewAllowlist(opts.AllowedTools)
	if len(r.cfg.GrantedTools) > 0 {
		allowed = allowed.Intersect(tool.NewAllowlist(r.cfg.GrantedTools))
	}

	tracker := tool.NewTracker()
	srv, err := proxy.NewServer(proxy.Options{
		Pool:        r.cfg.Pool,
		Schemas:     r.cfg.Schemas,
		Allowlist:   allowed,
		Tracker:     tracker,
		Limiter:     ratelimit.New(r.cfg.RateLimit),
		Metrics:     r.cfg.Metrics,
		Audit:       r.cfg.Audit,
		Filter:      r.cfg.Filter,
		ClientID:    execID,
		CallTimeout: opts.Timeout,
	})
	if err != nil {
		return fail("failed to create proxy: %s", err.Error())
	}
	if err := srv.Start(); err != nil {
		return fail("failed to start proxy: %s", err.Error())
	}
	defer func() {
		srv.SetShuttingDown(true)
		if err := srv.CloseListener(); err != nil {
			logging.GetLogger().Warn("failed to close proxy listener", "error", err)
		}
	}()

	codePath, err := r.writeCodeFile(execID, opts.Code)
	if err != nil {
		return fail("%s", err.Error())
	}
	defer os.Remove(codePath)

	r.auditEvent(ctx, execID, audit.EventExecutionStart, audit.StatusOK, "")

	env := append(os.Environ(),
		"MCP_PROXY_URL="+r.bridgeURL(srv),
		"MCP_PROXY_TOKEN="+srv.Token(),
	)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	output, runErr := r.cfg.Engine.Run(runCtx, codePath, env)
	res.Duration = time.Since(start)
	res.ToolCalls = tracker.Calls()
	res.ToolSummary = tracker.Summary()

	if runErr != nil {
		msg := runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("execution timed out after %s", opts.Timeout)
		}
		res.Error = msg
		r.auditEvent(ctx, execID, audit.EventExecutionEnd, audit.StatusFailed, msg)
		return res
	}

	res.Success = true
	res.Output = output
	r.auditEvent(ctx, execID, audit.EventExecutionEnd, audit.StatusOK, "")
	return res
}

// writeCodeFile persists the code to a tempfile and verifies the on-disk
// bytes match what was supplied before anything executes it.
func (r *Runner) writeCodeFile(execID, code string) (string, error) {
	f, err := os.CreateTemp("", "broker-exec-"+execID+"-*.code")
	if err != nil {
		return "", fmt.Errorf("failed to create code file: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write code file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write code file: %w", err)
	}

	onDisk, err := r.readFile(path)
	if err != nil || !bytes.Equal(onDisk, []byte(code)) {
		os.Remove(path)
		return "", fmt.Errorf("tempfile integrity check failed")
	}
	return path, nil
}

// checkWritePaths enforces the allowed project roots. No configured roots
// means every write is denied.
func (r *Runner) checkWritePaths(paths []string) error {
	for _, p := range paths {
		if !r.writeAllowed(p) {
			return fmt.Errorf("write path %q not allowed: not under an allowed project root", p)
		}
	}
	return nil
}

func (r *Runner) writeAllowed(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	for _, root := range r.cfg.AllowedProjects {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// bridgeURL rewrites the loopback address with the advertised bridge host.
func (r *Runner) bridgeURL(srv *proxy.Server) string {
	return strings.Replace(srv.URL(), "127.0.0.1", r.cfg.BridgeHost, 1)
}

func (r *Runner) auditEvent(ctx context.Context, execID string, event audit.EventType, status audit.Status, msg string) {
	if r.cfg.Audit == nil {
		return
	}
	r.cfg.Audit.Record(ctx, audit.Entry{
		CorrelationID: execID,
		EventType:     event,
		Status:        status,
		ClientID:      execID,
		Error:         msg,
	})
}
