// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigsMerge(t *testing.T) {
	dir := t.TempDir()
	first := writeConfig(t, dir, "project.json", `{
		"mcpServers": {
			"zen":  {"command": "zen-server", "args": ["--stdio"]},
			"fs":   {"command": "fs-server"}
		}
	}`)
	second := writeConfig(t, dir, "local.json", `{
		"mcpServers": {
			"zen": {"command": "zen-server-v2", "env": {"MODE": "fast"}}
		}
	}`)

	got, err := LoadConfigs(first, second)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Later file wins for duplicate names.
	assert.Equal(t, "zen-server-v2", got["zen"].Command)
	assert.Equal(t, "fast", got["zen"].Env["MODE"])
	assert.Equal(t, "zen", got["zen"].Name)
	assert.Empty(t, got["fs"].Args)
	assert.Equal(t, "fs-server", got["fs"].Command)
}

func TestLoadConfigsSkipsEntriesWithoutCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{
		"mcpServers": {
			"good": {"command": "good-server"},
			"bad":  {"args": ["--stdio"]}
		}
	}`)

	got, err := LoadConfigs(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, "good")
}

func TestLoadConfigsMissingKeyAndFile(t *testing.T) {
	dir := t.TempDir()
	empty := writeConfig(t, dir, "empty.json", `{}`)

	got, err := LoadConfigs(empty, filepath.Join(dir, "nonexistent.json"), "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadConfigsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "broken.json", `{"mcpServers": [`)

	_, err := LoadConfigs(path)
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "bin", "server"), ExpandPath("~/bin/server"))
	assert.Equal(t, home+"/cfg", ExpandPath("%USERPROFILE%/cfg"))
	assert.Equal(t, "/usr/bin/server", ExpandPath("/usr/bin/server"))

	t.Setenv("APPDATA", "/tmp/appdata")
	assert.Equal(t, "/tmp/appdata/mcp", ExpandPath("%APPDATA%/mcp"))
}
