// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package upstream launches subordinate tool servers and pools one
// framed-stdio client per server.
package upstream

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mcpany/broker/pkg/logging"
)

// ServerConfig describes one upstream server entry.
type ServerConfig struct {
	Name       string            `json:"-"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	SourceTool string            `json:"sourceTool,omitempty"`
}

type configDocument struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfigs reads and merges one or more config documents. Later paths
// override earlier ones for duplicate server names. Unreadable paths and
// entries without a command are skipped with a warning; an absent
// mcpServers key means an empty document.
func LoadConfigs(paths ...string) (map[string]ServerConfig, error) {
	log := logging.GetLogger()
	merged := make(map[string]ServerConfig)

	for _, path := range paths {
		if path == "" {
			continue
		}
		expanded := ExpandPath(path)
		data, err := os.ReadFile(expanded)
		if err != nil {
			log.Warn("skipping unreadable MCP config file", "path", expanded, "error", err)
			continue
		}

		var doc configDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid MCP config %q: %w", expanded, err)
		}

		for name, sc := range doc.MCPServers {
			if strings.TrimSpace(sc.Command) == "" {
				log.Warn("skipping MCP server entry without command", "server", name, "path", expanded)
				continue
			}
			sc.Name = name
			sc.Command = ExpandPath(sc.Command)
			for i, a := range sc.Args {
				sc.Args[i] = ExpandPath(a)
			}
			merged[name] = sc
		}
	}
	return merged, nil
}

// ExpandPath resolves ~ and the Windows %USERPROFILE%/%APPDATA%
// placeholders against the current environment.
func ExpandPath(p string) string {
	if home, err := os.UserHomeDir(); err == nil {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
			return home + p[1:]
		}
		p = strings.ReplaceAll(p, "%USERPROFILE%", home)
	}
	if appdata := os.Getenv("APPDATA"); appdata != "" {
		p = strings.ReplaceAll(p, "%APPDATA%", appdata)
	}
	return p
}
