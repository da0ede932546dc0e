// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package tool

import "fmt"

// NotAllowedError reports a call to a tool outside the allow-list.
type NotAllowedError struct {
	ID string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("Tool '%s' not in allowlist. Add '%s' to allowedTools array.", e.ID, e.ID)
}

// Allowlist is the frozen set of tool identifiers one execution may call.
// It is immutable after construction and safe for concurrent reads.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist copies the given identifiers into a frozen set. Later
// mutation of the input slice does not affect the list.
func NewAllowlist(ids []string) *Allowlist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &Allowlist{ids: set}
}

// Contains reports whether id is in the list.
func (a *Allowlist) Contains(id string) bool {
	_, ok := a.ids[id]
	return ok
}

// Check returns a NotAllowedError when id is not in the list.
func (a *Allowlist) Check(id string) error {
	if !a.Contains(id) {
		return &NotAllowedError{ID: id}
	}
	return nil
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	return len(a.ids)
}

// Intersect keeps only the identifiers also present in other, returning a
// new list. Used to narrow a caller-supplied list to what the session's
// permissions actually grant.
func (a *Allowlist) Intersect(other *Allowlist) *Allowlist {
	set := make(map[string]struct{})
	for id := range a.ids {
		if other.Contains(id) {
			set[id] = struct{}{}
		}
	}
	return &Allowlist{ids: set}
}
