// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Formatted is a validation failure broken down for a human reader. RawErrors
// preserves the validator's own messages untouched for backward
// compatibility.
type Formatted struct {
	UserFriendly string   `json:"userFriendly"`
	Suggestions  []string `json:"suggestions"`
	RawErrors    []string `json:"rawErrors"`
}

type leafError struct {
	keyword  string
	instance string
	message  string
}

var (
	expectedGotRe = regexp.MustCompile(`expected ([a-z]+).* got ([a-z]+)`)
	quotedRe      = regexp.MustCompile(`'([^']+)'`)
	patternRe     = regexp.MustCompile(`does not match pattern '([^']*)'`)
)

// FormatValidationError turns a jsonschema validation error into a Formatted
// report, grouping leaf failures by keyword and attaching fixed suggestion
// templates. Non-validation errors produce a single raw block.
func FormatValidationError(err error) *Formatted {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Formatted{
			UserFriendly: err.Error(),
			RawErrors:    []string{err.Error()},
		}
	}

	leaves := collectLeaves(verr)

	groups := map[string][]leafError{}
	var order []string
	for _, l := range leaves {
		if _, seen := groups[l.keyword]; !seen {
			order = append(order, l.keyword)
		}
		groups[l.keyword] = append(groups[l.keyword], l)
	}

	var blocks []string
	var suggestions []string
	for _, kw := range order {
		block, sugg := formatGroup(kw, groups[kw])
		blocks = append(blocks, block)
		suggestions = append(suggestions, sugg...)
	}

	raw := make([]string, 0, len(leaves))
	for _, l := range leaves {
		raw = append(raw, l.message)
	}

	return &Formatted{
		UserFriendly: strings.Join(blocks, "\n"),
		Suggestions:  suggestions,
		RawErrors:    raw,
	}
}

func collectLeaves(verr *jsonschema.ValidationError) []leafError {
	if len(verr.Causes) == 0 {
		return []leafError{{
			keyword:  keywordFromLocation(verr.KeywordLocation),
			instance: verr.InstanceLocation,
			message:  verr.Error(),
		}}
	}
	var leaves []leafError
	for _, cause := range verr.Causes {
		leaves = append(leaves, collectLeaves(cause)...)
	}
	return leaves
}

// keywordFromLocation extracts the failing schema keyword from a JSON
// pointer like "/properties/count/type".
func keywordFromLocation(loc string) string {
	segments := strings.Split(loc, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		switch segments[i] {
		case "required", "type", "enum", "pattern", "additionalProperties":
			return segments[i]
		}
	}
	if len(segments) > 0 {
		return segments[len(segments)-1]
	}
	return loc
}

func formatGroup(keyword string, leaves []leafError) (string, []string) {
	switch keyword {
	case "required":
		var missing []string
		for _, l := range leaves {
			missing = append(missing, quotedRe.FindAllString(l.message, -1)...)
		}
		block := fmt.Sprintf("Missing required parameters: %s", strings.Join(missing, ", "))
		return block, []string{"Add the missing parameter(s) to your call"}

	case "type":
		var suggestions []string
		var details []string
		for _, l := range leaves {
			details = append(details, fmt.Sprintf("%s has the wrong type", instanceName(l.instance)))
			m := expectedGotRe.FindStringSubmatch(l.message)
			if m == nil {
				continue
			}
			expected, got := m[1], m[2]
			switch {
			case (expected == "number" || expected == "integer") && got == "string":
				suggestions = append(suggestions, fmt.Sprintf("Remove quotes around %s to make it a number", instanceName(l.instance)))
			case expected == "string" && (got == "number" || got == "integer"):
				suggestions = append(suggestions, fmt.Sprintf("Wrap %s in quotes to make it a string", instanceName(l.instance)))
			case expected == "array":
				suggestions = append(suggestions, fmt.Sprintf("Wrap %s in array brackets: [value]", instanceName(l.instance)))
			default:
				suggestions = append(suggestions, fmt.Sprintf("Change %s to type %s", instanceName(l.instance), expected))
			}
		}
		return fmt.Sprintf("Type mismatch: %s", strings.Join(details, "; ")), suggestions

	case "enum":
		var suggestions []string
		for _, l := range leaves {
			if idx := strings.Index(l.message, "must be one of"); idx != -1 {
				suggestions = append(suggestions, fmt.Sprintf("Use one of the allowed values for %s: %s",
					instanceName(l.instance), strings.TrimSpace(l.message[idx+len("must be one of"):])))
			} else {
				suggestions = append(suggestions, fmt.Sprintf("Use one of the allowed values for %s", instanceName(l.instance)))
			}
		}
		return "Value not in the allowed set", suggestions

	case "pattern":
		var suggestions []string
		for _, l := range leaves {
			pat := ""
			if m := patternRe.FindStringSubmatch(l.message); m != nil {
				pat = m[1]
			}
			switch {
			case strings.Contains(pat, "@"):
				suggestions = append(suggestions, fmt.Sprintf("Use a valid email address for %s", instanceName(l.instance)))
			case strings.HasPrefix(pat, "^http"):
				suggestions = append(suggestions, fmt.Sprintf("Use a valid URL starting with http:// or https:// for %s", instanceName(l.instance)))
			default:
				suggestions = append(suggestions, fmt.Sprintf("Match the required pattern for %s: %s", instanceName(l.instance), pat))
			}
		}
		return "Value does not match the required format", suggestions

	case "additionalProperties":
		var suggestions []string
		var names []string
		for _, l := range leaves {
			props := quotedRe.FindAllString(l.message, -1)
			names = append(names, props...)
			for _, p := range props {
				suggestions = append(suggestions, fmt.Sprintf("Remove unexpected parameter %s", p))
			}
		}
		return fmt.Sprintf("Unexpected parameters: %s", strings.Join(names, ", ")), suggestions

	default:
		var msgs []string
		for _, l := range leaves {
			msgs = append(msgs, l.message)
		}
		return strings.Join(msgs, "; "), nil
	}
}

func instanceName(instanceLocation string) string {
	if instanceLocation == "" || instanceLocation == "/" {
		return "the value"
	}
	segments := strings.Split(strings.TrimPrefix(instanceLocation, "/"), "/")
	return fmt.Sprintf("'%s'", segments[len(segments)-1])
}
