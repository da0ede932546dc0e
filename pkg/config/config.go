// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package config loads broker settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcpany/broker/pkg/logging"
)

// Defaults for the tunable knobs.
const (
	DefaultExecutionTimeout = 120 * time.Second
	DefaultSchemaCacheTTL   = 24 * time.Hour
	DefaultRateLimitRPM     = 60
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// Settings is the resolved broker configuration.
type Settings struct {
	// MCPConfigPath points at the mcpServers JSON document.
	MCPConfigPath string
	// AllowedProjects are the filesystem roots sandboxed code may write
	// under. Empty means all writes are denied.
	AllowedProjects []string
	EnableAuditLog  bool
	AuditLogPath    string

	ExecutionTimeout time.Duration
	SchemaCacheTTL   time.Duration
	RateLimitRPM     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Load reads settings from the environment. A .env file in the working
// directory is consumed first when present.
func Load() *Settings {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.GetLogger().Debug("no .env file loaded", "error", err)
	}

	return &Settings{
		MCPConfigPath:    os.Getenv("MCP_CONFIG_PATH"),
		AllowedProjects:  splitPaths(os.Getenv("ALLOWED_PROJECTS")),
		EnableAuditLog:   envBool("ENABLE_AUDIT_LOG", false),
		AuditLogPath:     os.Getenv("AUDIT_LOG_PATH"),
		ExecutionTimeout: envMillis("CODE_EXECUTOR_TIMEOUT_MS", DefaultExecutionTimeout),
		SchemaCacheTTL:   envMillis("CODE_EXECUTOR_SCHEMA_CACHE_TTL_MS", DefaultSchemaCacheTTL),
		RateLimitRPM:     envInt("CODE_EXECUTOR_RATE_LIMIT_RPM", DefaultRateLimitRPM),
		BreakerThreshold: envInt("CIRCUIT_BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerCooldown:  envMillis("CIRCUIT_BREAKER_TIMEOUT_MS", DefaultBreakerCooldown),
	}
}

// BridgeHost returns the hostname the sandbox should use to reach the
// proxy: the Docker bridge alias when running in a container, localhost
// otherwise.
func BridgeHost() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "host.docker.internal"
	}
	switch os.Getenv("DOCKER_CONTAINER") {
	case "true", "1":
		return "host.docker.internal"
	}
	return "localhost"
}

func splitPaths(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logging.GetLogger().Warn("ignoring invalid numeric setting", "key", key, "value", raw)
		return def
	}
	return n
}

func envMillis(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logging.GetLogger().Warn("ignoring invalid duration setting", "key", key, "value", raw)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}
