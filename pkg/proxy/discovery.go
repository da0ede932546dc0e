// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/schema"
)

const maxKeywordLen = 100

var keywordRe = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

type discoveryResponse struct {
	Tools []schema.ToolSchema `json:"tools"`
}

// handleDiscovery lists tool schemas, OR-filtered by ?q= keywords, under a
// hard deadline so a hung upstream cannot stall the sandbox.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	keywords := r.URL.Query()["q"]
	for _, kw := range keywords {
		if len(kw) > maxKeywordLen || !keywordRe.MatchString(kw) {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "Invalid query keyword",
				Query: kw,
			})
			return
		}
	}

	if d := s.opts.Limiter.Check(s.opts.ClientID, "discovery"); !d.Allowed {
		s.audit(r.Context(), audit.EventRateLimited, audit.StatusDenied, "", "discovery")
		rateLimited(w, d)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DiscoveryTimeout)
	defer cancel()

	type listing struct {
		schemas []schema.ToolSchema
	}
	done := make(chan listing, 1)
	go func() {
		done <- listing{schemas: s.opts.Pool.ListAllToolSchemas(ctx, s.opts.Schemas)}
	}()

	var all []schema.ToolSchema
	select {
	case l := <-done:
		all = l.schemas
	case <-ctx.Done():
		msg := fmt.Sprintf("Request timeout after %dms", s.opts.DiscoveryTimeout.Milliseconds())
		s.audit(r.Context(), audit.EventToolDiscovery, audit.StatusFailed, "", msg)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msg})
		return
	}

	filtered := make([]schema.ToolSchema, 0, len(all))
	for _, ts := range all {
		if ts.MatchesKeywords(keywords) {
			filtered = append(filtered, ts)
		}
	}

	s.audit(r.Context(), audit.EventToolDiscovery, audit.StatusOK, "",
		fmt.Sprintf("returned %d of %d tools", len(filtered), len(all)))
	writeJSON(w, http.StatusOK, discoveryResponse{Tools: filtered})
}
