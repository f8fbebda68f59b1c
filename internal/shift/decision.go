package shift

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionType enumerates the actions the global agent may take. Exactly
// one is attempted per round.
type DecisionType string

const (
	DecisionDelegate      DecisionType = "DELEGATE"
	DecisionResolve       DecisionType = "RESOLVE"
	DecisionCreateProject DecisionType = "CREATE_PROJECT"
	DecisionReport        DecisionType = "REPORT"
	DecisionWait          DecisionType = "WAIT"
)

// Decision is the strict tagged form of one agent decision. Fields
// beyond Type and Rationale are populated per type.
type Decision struct {
	Type      DecisionType
	Rationale string

	// DELEGATE
	ProjectID string

	// RESOLVE
	TargetID   string
	Resolution string

	// CREATE_PROJECT
	ProjectName string
	ProjectPath string
	GitInit     bool

	// REPORT
	Message string

	// WAIT
	Reason        string
	RetryAfterMin int
}

// rawDecision mirrors the JSON the agent is asked to produce.
type rawDecision struct {
	Action        string          `json:"action"`
	Rationale     string          `json:"rationale"`
	ProjectID     string          `json:"project_id"`
	TargetID      string          `json:"target_id"`
	Resolution    json.RawMessage `json:"resolution"`
	ProjectName   string          `json:"project_name"`
	ProjectPath   string          `json:"project_path"`
	GitInit       bool            `json:"git_init"`
	Message       string          `json:"message"`
	Reason        string          `json:"reason"`
	RetryAfterMin int             `json:"retry_after_min"`
}

// ParseDecision extracts and validates exactly one decision from
// untrusted agent output. The payload may arrive inside a fenced code
// block or buried in prose; extraction tries fences first, then brace
// matching.
func ParseDecision(text string) (Decision, error) {
	payload, ok := extractJSON(text)
	if !ok {
		return Decision{}, fmt.Errorf("no JSON object found in agent output")
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Decision{}, fmt.Errorf("parse decision payload: %w", err)
	}

	d := Decision{
		Type:          DecisionType(strings.ToUpper(strings.TrimSpace(raw.Action))),
		Rationale:     raw.Rationale,
		ProjectID:     raw.ProjectID,
		TargetID:      raw.TargetID,
		ProjectName:   raw.ProjectName,
		ProjectPath:   raw.ProjectPath,
		GitInit:       raw.GitInit,
		Message:       raw.Message,
		Reason:        raw.Reason,
		RetryAfterMin: raw.RetryAfterMin,
	}
	if len(raw.Resolution) > 0 {
		// A plain-string resolution is stored without its JSON quoting;
		// object payloads keep their raw form for the run-input path.
		var s string
		if err := json.Unmarshal(raw.Resolution, &s); err == nil {
			d.Resolution = s
		} else {
			d.Resolution = string(raw.Resolution)
		}
	}

	switch d.Type {
	case DecisionDelegate:
		if d.ProjectID == "" {
			return Decision{}, fmt.Errorf("DELEGATE requires project_id")
		}
	case DecisionResolve:
		if d.TargetID == "" {
			return Decision{}, fmt.Errorf("RESOLVE requires target_id")
		}
		if d.Resolution == "" {
			return Decision{}, fmt.Errorf("RESOLVE requires resolution")
		}
	case DecisionCreateProject:
		if d.ProjectName == "" || d.ProjectPath == "" {
			return Decision{}, fmt.Errorf("CREATE_PROJECT requires project_name and project_path")
		}
	case DecisionReport:
		if d.Message == "" {
			return Decision{}, fmt.Errorf("REPORT requires message")
		}
	case DecisionWait:
	default:
		return Decision{}, fmt.Errorf("unknown action %q", raw.Action)
	}
	return d, nil
}

// extractJSON pulls a JSON object out of free text. Fenced code blocks
// win; otherwise the first balanced top-level object is taken.
func extractJSON(text string) (string, bool) {
	if block, ok := fencedBlock(text); ok {
		if candidate, ok := balancedObject(block); ok {
			return candidate, true
		}
	}
	return balancedObject(text)
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Skip the optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// balancedObject scans for the first '{' and returns the substring up to
// its matching '}', respecting strings and escapes.
func balancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
