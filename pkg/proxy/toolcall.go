// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mcpany/broker/pkg/audit"
	"github.com/mcpany/broker/pkg/dlp"
	"github.com/mcpany/broker/pkg/resilience"
	"github.com/mcpany/broker/pkg/schema"
	"github.com/mcpany/broker/pkg/ssrf"
	"github.com/mcpany/broker/pkg/tool"
)

type toolCallRequest struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

type toolCallResponse struct {
	Result string `json:"result"`
}

// handleToolCall gates and executes one upstream invocation. The gates
// short-circuit on the first failure, in order: rate limit, tool-id parse,
// allow-list, schema validation, SSRF pre-check, breaker-guarded call,
// content filter.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if d := s.opts.Limiter.Check(s.opts.ClientID, "default"); !d.Allowed {
		s.audit(r.Context(), audit.EventRateLimited, audit.StatusDenied, "", "")
		rateLimited(w, d)
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body: " + err.Error()})
		return
	}

	id, err := tool.ParseID(req.ToolName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if err := s.opts.Allowlist.Check(req.ToolName); err != nil {
		s.audit(r.Context(), audit.EventToolCall, audit.StatusDenied, req.ToolName, err.Error())
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CallTimeout)
	defer cancel()

	ts, err := s.opts.Schemas.Get(ctx, id)
	if err == nil && ts != nil {
		if verr := schema.ValidateParams(ts.InputSchema, req.Params); verr != nil {
			var ve *jsonschema.ValidationError
			if errors.As(verr, &ve) {
				formatted := schema.FormatValidationError(ve)
				writeJSON(w, http.StatusBadRequest, errorBody{
					Error:       formatted.UserFriendly,
					Suggestions: formatted.Suggestions,
				})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
			return
		}
	}

	if isURLFetcher(id, ts) {
		if target, ok := req.Params["url"].(string); ok {
			decision := ssrf.ClassifyURL(target)
			if !decision.Allowed {
				s.audit(ctx, audit.EventFilterHit, audit.StatusDenied, req.ToolName, decision.Reason)
				writeJSON(w, http.StatusForbidden, errorBody{Error: "URL blocked: " + decision.Reason})
				return
			}
		}
	}

	start := time.Now()
	res, err := s.opts.Pool.CallTool(ctx, id, req.Params)
	elapsed := time.Since(start)

	rec := tool.CallRecord{
		ToolName:  req.ToolName,
		Duration:  elapsed,
		Timestamp: start,
	}
	switch {
	case err != nil:
		rec.Status = tool.StatusError
		rec.ErrorMessage = err.Error()
	case res.IsError:
		rec.Status = tool.StatusError
		rec.ErrorMessage = res.Text
	default:
		rec.Status = tool.StatusSuccess
	}
	s.opts.Tracker.Record(rec)
	if s.opts.Metrics != nil {
		s.opts.Metrics.IncrCounter("tool_calls_total", req.ToolName, string(rec.Status))
	}

	if err != nil {
		var open *resilience.OpenError
		if errors.As(err, &open) {
			s.audit(ctx, audit.EventBreakerOpen, audit.StatusFailed, req.ToolName, err.Error())
		}
		s.audit(ctx, audit.EventToolCall, audit.StatusFailed, req.ToolName, err.Error())
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	if res.IsError {
		s.audit(ctx, audit.EventToolCall, audit.StatusFailed, req.ToolName, res.Text)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: res.Text})
		return
	}

	text := res.Text
	if s.opts.Filter != nil {
		filtered, _, ferr := s.opts.Filter.Apply(text)
		if ferr != nil {
			var viol *dlp.ViolationError
			if errors.As(ferr, &viol) {
				s.audit(ctx, audit.EventFilterHit, audit.StatusDenied, req.ToolName, ferr.Error())
				writeJSON(w, http.StatusForbidden, errorBody{Error: ferr.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: ferr.Error()})
			return
		}
		text = filtered
	}

	s.audit(ctx, audit.EventToolCall, audit.StatusOK, req.ToolName, "")
	writeJSON(w, http.StatusOK, toolCallResponse{Result: text})
}

// isURLFetcher marks tools whose invocation target is a caller-supplied
// URL, either by name or by a url property in their input schema.
func isURLFetcher(id tool.ID, ts *schema.ToolSchema) bool {
	if strings.Contains(id.Tool, "fetch") {
		return true
	}
	if ts == nil || len(ts.InputSchema) == 0 {
		return false
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(ts.InputSchema, &doc); err != nil {
		return false
	}
	_, ok := doc.Properties["url"]
	return ok
}

func (s *Server) audit(ctx context.Context, event audit.EventType, status audit.Status, toolName, msg string) {
	if s.opts.Audit == nil {
		return
	}
	s.opts.Audit.Record(ctx, audit.Entry{
		CorrelationID: s.opts.ClientID,
		EventType:     event,
		Status:        status,
		ClientID:      s.opts.ClientID,
		ToolName:      toolName,
		Error:         msg,
	})
}
