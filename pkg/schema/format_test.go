// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const widgetSchema = `{
	"type": "object",
	"properties": {
		"count": {"type": "number"},
		"name": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"color": {"type": "string", "enum": ["red", "green", "blue"]},
		"email": {"type": "string", "pattern": "^[^@]+@[^@]+$"},
		"homepage": {"type": "string", "pattern": "^https?://"}
	},
	"required": ["name"],
	"additionalProperties": false
}`

func validate(t *testing.T, params map[string]any) error {
	t.Helper()
	return ValidateParams(json.RawMessage(widgetSchema), params)
}

func TestValidateParamsAccepts(t *testing.T) {
	require.NoError(t, validate(t, map[string]any{
		"name":  "thing",
		"count": 3,
		"tags":  []any{"a"},
		"color": "red",
	}))
}

func TestValidateParamsNilSchema(t *testing.T) {
	require.NoError(t, ValidateParams(nil, map[string]any{"anything": true}))
	require.NoError(t, ValidateParams(json.RawMessage("null"), map[string]any{"anything": true}))
}

func TestFormatRequired(t *testing.T) {
	err := validate(t, map[string]any{"count": 1})
	require.Error(t, err)

	f := FormatValidationError(err)
	require.Contains(t, f.UserFriendly, "Missing required parameters")
	require.NotEmpty(t, f.Suggestions)
	require.NotEmpty(t, f.RawErrors)
}

func TestFormatTypeCoercionHints(t *testing.T) {
	err := validate(t, map[string]any{"name": "x", "count": "5"})
	require.Error(t, err)

	f := FormatValidationError(err)
	require.Contains(t, f.UserFriendly, "Type mismatch")
	require.NotEmpty(t, f.Suggestions)
	joined := ""
	for _, s := range f.Suggestions {
		joined += s + "\n"
	}
	require.Contains(t, joined, "Remove quotes")

	err = validate(t, map[string]any{"name": 42})
	require.Error(t, err)
	f = FormatValidationError(err)
	found := false
	for _, s := range f.Suggestions {
		if s != "" && containsAll(s, "Wrap", "quotes") {
			found = true
		}
	}
	require.True(t, found, "expected a wrap-in-quotes suggestion, got %v", f.Suggestions)
}

func TestFormatScalarToArray(t *testing.T) {
	err := validate(t, map[string]any{"name": "x", "tags": "solo"})
	require.Error(t, err)

	f := FormatValidationError(err)
	found := false
	for _, s := range f.Suggestions {
		if containsAll(s, "array brackets") {
			found = true
		}
	}
	require.True(t, found, "expected an array-brackets suggestion, got %v", f.Suggestions)
}

func TestFormatEnum(t *testing.T) {
	err := validate(t, map[string]any{"name": "x", "color": "purple"})
	require.Error(t, err)

	f := FormatValidationError(err)
	found := false
	for _, s := range f.Suggestions {
		if containsAll(s, "allowed values") {
			found = true
		}
	}
	require.True(t, found)
}

func TestFormatPatternHints(t *testing.T) {
	err := validate(t, map[string]any{"name": "x", "email": "not-an-email"})
	require.Error(t, err)
	f := FormatValidationError(err)
	found := false
	for _, s := range f.Suggestions {
		if containsAll(s, "email") {
			found = true
		}
	}
	require.True(t, found, "expected an email hint, got %v", f.Suggestions)

	err = validate(t, map[string]any{"name": "x", "homepage": "ftp://nope"})
	require.Error(t, err)
	f = FormatValidationError(err)
	found = false
	for _, s := range f.Suggestions {
		if containsAll(s, "http") {
			found = true
		}
	}
	require.True(t, found, "expected a URL hint, got %v", f.Suggestions)
}

func TestFormatAdditionalProperties(t *testing.T) {
	err := validate(t, map[string]any{"name": "x", "bogus": 1})
	require.Error(t, err)

	f := FormatValidationError(err)
	require.Contains(t, f.UserFriendly, "Unexpected parameters")
	found := false
	for _, s := range f.Suggestions {
		if containsAll(s, "Remove unexpected parameter") {
			found = true
		}
	}
	require.True(t, found)
}

func TestFormatPreservesRawErrors(t *testing.T) {
	err := validate(t, map[string]any{"count": "x", "bogus": 1})
	require.Error(t, err)

	f := FormatValidationError(err)
	require.NotEmpty(t, f.RawErrors)
}

func TestFormatNonValidationError(t *testing.T) {
	f := FormatValidationError(errors.New("boom"))
	require.Equal(t, "boom", f.UserFriendly)
	require.Equal(t, []string{"boom"}, f.RawErrors)
	require.Empty(t, f.Suggestions)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
