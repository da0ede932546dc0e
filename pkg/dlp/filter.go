// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package dlp scans and redacts secrets and PII in tool output before it is
// handed back to sandboxed code.
package dlp

import (
	"fmt"
	"regexp"
)

// ViolationType separates credentials from personal data in scan reports.
type ViolationType string

const (
	ViolationSecret ViolationType = "secret"
	ViolationPII    ViolationType = "pii"
)

const (
	redactedSecret = "[REDACTED_SECRET]"
	redactedPII    = "[REDACTED_PII]"
)

type pattern struct {
	name string
	re   *regexp.Regexp
	typ  ViolationType
}

// Secrets are enumerated before PII so that, e.g., a JWT containing an
// email-shaped claim is reported as a secret.
var patterns = []pattern{
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), ViolationSecret},
	{"github_token", regexp.MustCompile(`ghp_[A-Za-z0-9]+`), ViolationSecret},
	{"aws_access_key", regexp.MustCompile(`AKIA[A-Z0-9]{16}`), ViolationSecret},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_\-.]+`), ViolationSecret},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), ViolationPII},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), ViolationPII},
	{"credit_card", regexp.MustCompile(`\b\d{4}[-\s]\d{4}[-\s]\d{4}[-\s]\d{4}\b`), ViolationPII},
}

// Violation reports how often one pattern matched.
type Violation struct {
	Type    ViolationType `json:"type"`
	Pattern string        `json:"pattern"`
	Count   int           `json:"count"`
}

// Report is the outcome of a scan, listing every matched pattern in
// enumeration order (secrets first).
type Report struct {
	Violations []Violation `json:"violations"`
}

// SecretCount returns the number of individual secret matches in the report.
func (r Report) SecretCount() int {
	n := 0
	for _, v := range r.Violations {
		if v.Type == ViolationSecret {
			n += v.Count
		}
	}
	return n
}

// ViolationError is returned by Filter in reject mode when secrets are found.
type ViolationError struct {
	Secrets int
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("Content filter violation: %d secrets detected", e.Secrets)
}

// Filter scans and optionally redacts tool output.
type Filter struct {
	// RejectOnSecret makes Apply fail instead of redacting when any secret
	// pattern matches.
	RejectOnSecret bool
}

// New returns a Filter in redact mode.
func New() *Filter {
	return &Filter{}
}

// Scan reports which patterns match without modifying the input.
func (f *Filter) Scan(content string) Report {
	var report Report
	for _, p := range patterns {
		if n := len(p.re.FindAllStringIndex(content, -1)); n > 0 {
			report.Violations = append(report.Violations, Violation{
				Type:    p.typ,
				Pattern: p.name,
				Count:   n,
			})
		}
	}
	return report
}

// Apply returns the redacted content, or a *ViolationError when the filter is
// configured to reject and any secret matched. Redaction is idempotent: the
// replacement strings match none of the patterns.
func (f *Filter) Apply(content string) (string, Report, error) {
	report := f.Scan(content)
	if f.RejectOnSecret {
		if n := report.SecretCount(); n > 0 {
			return "", report, &ViolationError{Secrets: n}
		}
	}

	filtered := content
	for _, p := range patterns {
		replacement := redactedPII
		if p.typ == ViolationSecret {
			replacement = redactedSecret
		}
		filtered = p.re.ReplaceAllString(filtered, replacement)
	}
	return filtered, report, nil
}
