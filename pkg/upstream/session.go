// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpany/broker/pkg/schema"
)

// Result is the outcome of one upstream tool invocation. Text concatenates
// the textual content blocks; IsError marks a tool-level failure reported
// inside the protocol rather than a transport error.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"isError,omitempty"`
}

// Session is one live connection to an upstream server. ListTools returns
// schemas under the upstream-local tool names.
type Session interface {
	ListTools(ctx context.Context) ([]schema.ToolSchema, error)
	CallTool(ctx context.Context, name string, params map[string]any) (*Result, error)
	Close() error
}

// ConnectFunc spawns or attaches to one upstream and performs the
// handshake. Swapped out in tests for in-memory transports.
type ConnectFunc func(ctx context.Context, cfg ServerConfig) (Session, error)

// Connect launches cfg.Command and opens a stdio transport to it.
func Connect(ctx context.Context, cfg ServerConfig) (Session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...) //nolint:gosec
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "mcpany-broker", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server %q: %w", cfg.Name, err)
	}
	return &sdkSession{cs: cs}, nil
}

type sdkSession struct {
	cs *mcp.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]schema.ToolSchema, error) {
	res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	out := make([]schema.ToolSchema, 0, len(res.Tools))
	for _, t := range res.Tools {
		ts := schema.ToolSchema{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("failed to encode input schema for %q: %w", t.Name, err)
			}
			ts.InputSchema = raw
		}
		if t.OutputSchema != nil {
			raw, err := json.Marshal(t.OutputSchema)
			if err != nil {
				return nil, fmt.Errorf("failed to encode output schema for %q: %w", t.Name, err)
			}
			ts.OutputSchema = raw
		}
		out = append(out, ts)
	}
	return out, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, params map[string]any) (*Result, error) {
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: params})
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Text: sb.String(), IsError: res.IsError}, nil
}

func (s *sdkSession) Close() error {
	return s.cs.Close()
}
