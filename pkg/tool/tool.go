// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package tool handles fully qualified tool identifiers, allow-list
// enforcement and per-execution call tracking.
package tool

import (
	"fmt"
	"regexp"
	"strings"
)

// Prefix marks a fully qualified tool identifier.
const Prefix = "mcp__"

var segmentRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// ID addresses one tool on one upstream server.
type ID struct {
	Server string
	Tool   string
}

// String renders the canonical mcp__<server>__<tool> form.
func (id ID) String() string {
	return Prefix + id.Server + "__" + id.Tool
}

// ParseID splits a fully qualified identifier into its server and tool
// segments. The server segment runs up to the first "__" after the prefix,
// so tool names containing "__" survive the round trip.
func ParseID(raw string) (ID, error) {
	rest, ok := strings.CutPrefix(raw, Prefix)
	if !ok {
		return ID{}, fmt.Errorf("tool ID %q must start with %q", raw, Prefix)
	}
	server, tool, ok := strings.Cut(rest, "__")
	if !ok {
		return ID{}, fmt.Errorf("tool ID %q must have the form mcp__<server>__<tool>", raw)
	}
	if !segmentRe.MatchString(server) {
		return ID{}, fmt.Errorf("tool ID %q has an invalid server segment %q", raw, server)
	}
	if tool == "" || !validToolSegment(tool) {
		return ID{}, fmt.Errorf("tool ID %q has an invalid tool segment %q", raw, tool)
	}
	return ID{Server: server, Tool: tool}, nil
}

func validToolSegment(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
