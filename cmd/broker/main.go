// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package main implements the broker command line interface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/cache"
	"github.com/mcpany/broker/pkg/config"
	"github.com/mcpany/broker/pkg/dlp"
	"github.com/mcpany/broker/pkg/logging"
	"github.com/mcpany/broker/pkg/metrics"
	"github.com/mcpany/broker/pkg/proxy"
	"github.com/mcpany/broker/pkg/ratelimit"
	"github.com/mcpany/broker/pkg/resilience"
	"github.com/mcpany/broker/pkg/runner"
	"github.com/mcpany/broker/pkg/schemacache"
	"github.com/mcpany/broker/pkg/shutdown"
	"github.com/mcpany/broker/pkg/tool"
	"github.com/mcpany/broker/pkg/upstream"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:          "broker",
		Short:        "broker executes sandboxed code against MCP tool servers",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logging.Init(logging.ToSlogLevel(logLevel), os.Stderr)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "broker version %s\n", Version)
			return err
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// components holds everything built from the environment that both the
// run and serve commands share.
type components struct {
	settings *config.Settings
	pool     *upstream.Pool
	schemas  *schemacache.Cache
	registry *metrics.Registry
	auditor  *audit.Logger
	filter   *dlp.Filter
}

func buildComponents(settings *config.Settings) (*components, error) {
	configs, err := upstream.LoadConfigs(configPaths(settings)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load MCP server config: %w", err)
	}
	if len(configs) == 0 {
		logging.GetLogger().Warn("no MCP servers configured", "path", settings.MCPConfigPath)
	}

	registry := metrics.New()
	breakers := resilience.NewManager(resilience.Config{
		FailureThreshold: settings.BreakerThreshold,
		Cooldown:         settings.BreakerCooldown,
	}, func(server string, state resilience.State) {
		registry.SetBreakerState(server, breakerGauge(state))
	})
	pool := upstream.NewPool(configs, breakers, registry)

	provider, err := schemaProvider(settings)
	if err != nil {
		pool.Cleanup()
		return nil, err
	}

	var auditor *audit.Logger
	if settings.EnableAuditLog {
		store, err := audit.NewFileStore(settings.AuditLogPath)
		if err != nil {
			pool.Cleanup()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		auditor = audit.NewLogger(store)
	}

	return &components{
		settings: settings,
		pool:     pool,
		schemas:  schemacache.New(provider, pool, registry),
		registry: registry,
		auditor:  auditor,
		filter:   dlp.New(),
	}, nil
}

func (c *components) Close() {
	c.pool.Cleanup()
	c.auditor.Close()
}

// breakerGauge maps breaker states onto the gauge encoding, where half-open
// reports 0.5 rather than its enum value.
func breakerGauge(state resilience.State) float64 {
	switch state {
	case resilience.StateOpen:
		return metrics.BreakerOpen
	case resilience.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// schemaProvider picks the backing store for the schema cache. REDIS_ADDR
// switches to the distributed provider so multiple broker instances share
// one cache.
func schemaProvider(settings *config.Settings) (cache.Provider, error) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return cache.NewDistributed(cache.DistributedOptions{
			Addr:      addr,
			Password:  os.Getenv("REDIS_PASSWORD"),
			KeyPrefix: "broker:schema:",
			TTL:       settings.SchemaCacheTTL,
		})
	}
	return cache.NewLRU(512, settings.SchemaCacheTTL)
}

func configPaths(settings *config.Settings) []string {
	if settings.MCPConfigPath == "" {
		return nil
	}
	return strings.Split(settings.MCPConfigPath, ":")
}

func rateLimits(settings *config.Settings) ratelimit.Config {
	return ratelimit.Config{
		Default: ratelimit.Limit{MaxRequests: settings.RateLimitRPM, Window: time.Minute},
		Overrides: map[string]ratelimit.Limit{
			"discovery": {MaxRequests: settings.RateLimitRPM * 2, Window: time.Minute},
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		tools      []string
		writePaths []string
		timeoutMS  int
		engineCmd  string
		engineArgs []string
	)

	cmd := &cobra.Command{
		Use:   "run <code-file>",
		Short: "Execute a code file in the sandbox with proxied tool access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read code file: %w", err)
			}

			settings := config.Load()
			comps, err := buildComponents(settings)
			if err != nil {
				return err
			}
			defer comps.Close()

			r := runner.New(runner.Config{
				Engine:          &runner.ProcessEngine{Command: engineCmd, Args: engineArgs},
				Pool:            comps.pool,
				Schemas:         comps.schemas,
				Metrics:         comps.registry,
				Audit:           comps.auditor,
				Filter:          comps.filter,
				AllowedProjects: settings.AllowedProjects,
				BridgeHost:      config.BridgeHost(),
				RateLimit:       rateLimits(settings),
				DefaultTimeout:  settings.ExecutionTimeout,
			})

			res := r.Execute(cmd.Context(), runner.Options{
				Code:         string(code),
				AllowedTools: tools,
				Timeout:      time.Duration(timeoutMS) * time.Millisecond,
				Permissions:  runner.Permissions{WritePaths: writePaths},
			})

			encoded, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(encoded)); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("execution failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tools, "tools", nil, "tool identifiers the code may call (mcp__server__tool)")
	cmd.Flags().StringSliceVar(&writePaths, "write", nil, "paths the code requests write access to")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "execution timeout in milliseconds (0 uses CODE_EXECUTOR_TIMEOUT_MS)")
	cmd.Flags().StringVar(&engineCmd, "engine", "node", "interpreter used to run the code file")
	cmd.Flags().StringSliceVar(&engineArgs, "engine-arg", nil, "extra arguments passed to the interpreter before the code path")

	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone broker proxy until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := config.Load()
			comps, err := buildComponents(settings)
			if err != nil {
				return err
			}
			defer comps.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			// Warm the schema cache and grant every advertised tool.
			schemas := comps.pool.ListAllToolSchemas(ctx, comps.schemas)
			names := make([]string, 0, len(schemas))
			for _, s := range schemas {
				names = append(names, s.Name)
			}

			srv, err := proxy.NewServer(proxy.Options{
				Pool:        comps.pool,
				Schemas:     comps.schemas,
				Allowlist:   tool.NewAllowlist(names),
				Tracker:     tool.NewTracker(),
				Limiter:     ratelimit.New(rateLimits(settings)),
				Metrics:     comps.registry,
				Audit:       comps.auditor,
				Filter:      comps.filter,
				ClientID:    "serve",
				CallTimeout: settings.ExecutionTimeout,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			logging.GetLogger().Info("broker proxy listening",
				"url", srv.URL(), "servers", len(comps.pool.Servers()), "tools", len(names))
			if _, err := fmt.Fprintf(cmd.OutOrStdout(),
				"MCP_PROXY_URL=%s\nMCP_PROXY_TOKEN=%s\n", srv.URL(), srv.Token()); err != nil {
				return err
			}

			coord := shutdown.New(shutdown.Options{
				SetShuttingDown: srv.SetShuttingDown,
				CloseListener:   srv.CloseListener,
				Drain:           srv.Shutdown,
				Audit:           comps.auditor,
			})
			coord.Listen()

			<-ctx.Done()
			if code := coord.Shutdown(context.Background()); code != 0 {
				return fmt.Errorf("shutdown did not drain cleanly")
			}
			return nil
		},
	}
	return cmd
}
