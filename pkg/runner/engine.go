// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"os/exec"
	"slices"
)

// ProcessEngine runs code with an external interpreter command. The code
// file path is appended to Args.
type ProcessEngine struct {
	Command string
	Args    []string
}

// Run executes the interpreter and returns its combined output.
func (e *ProcessEngine) Run(ctx context.Context, codePath string, env []string) (string, error) {
	args := append(slices.Clone(e.Args), codePath)
	cmd := exec.CommandContext(ctx, e.Command, args...) //nolint:gosec
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	return string(out), err
}
