// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package schema defines tool schema types, JSON Schema validation of tool
// parameters, and formatting of validation failures into actionable messages.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolSchema describes a single upstream tool as advertised over MCP.
type ToolSchema struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// MatchesKeywords reports whether any of the lowercase keywords appears in
// the tool's lowercase "name description" haystack. An empty keyword list
// matches everything.
func (s ToolSchema) MatchesKeywords(keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(s.Name + " " + s.Description)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ValidateParams checks params against the tool's input schema. A nil or
// empty input schema accepts anything. Validation failures are returned as a
// *jsonschema.ValidationError so callers can format them.
func ValidateParams(inputSchema json.RawMessage, params map[string]any) error {
	if len(inputSchema) == 0 || bytes.Equal(bytes.TrimSpace(inputSchema), []byte("null")) {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", bytes.NewReader(inputSchema)); err != nil {
		return fmt.Errorf("invalid tool input schema: %w", err)
	}
	compiled, err := compiler.Compile("params.json")
	if err != nil {
		return fmt.Errorf("invalid tool input schema: %w", err)
	}

	// The validator wants plain decoded JSON; round-trip to normalize
	// numeric types.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("unmarshaling params: %w", err)
	}

	return compiled.Validate(instance)
}
