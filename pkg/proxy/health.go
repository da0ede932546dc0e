// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Healthy     bool              `json:"healthy"`
	Timestamp   string            `json:"timestamp"`
	UptimeMs    int64             `json:"uptime"`
	MCPClients  healthClients     `json:"mcpClients"`
	SchemaCache healthSchemaCache `json:"schemaCache"`
}

type healthClients struct {
	Connected int `json:"connected"`
}

type healthSchemaCache struct {
	Size int `json:"size"`
}

// handleHealth always answers 200; load balancers read the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := s.opts.Pool.ConnectedCount()
	writeJSON(w, http.StatusOK, healthResponse{
		Healthy:     connected > 0,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		MCPClients:  healthClients{Connected: connected},
		SchemaCache: healthSchemaCache{Size: s.opts.Schemas.Len()},
	})
}
