// Package rules loads, persists, and hot-reloads the JSON rule files that
// drive the detection engine. Rules are compiled once at load time and
// published as immutable snapshots.
package rules

import (
	"regexp"
	"strings"
)

// DetectionKind classifies what a rule detects.
type DetectionKind string

const (
	KindPromptInjection DetectionKind = "prompt_injection"
	KindJailbreak       DetectionKind = "jailbreak"
	KindRolePlay        DetectionKind = "role_play"
	KindSensitiveInfo   DetectionKind = "sensitive_info"
	KindHarmfulContent  DetectionKind = "harmful_content"
	KindCompliance      DetectionKind = "compliance_violation"
	KindCustom          DetectionKind = "custom"
)

// Severity is the impact level of a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering of a severity (low < medium < high < critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// SecurityRule is one detection rule. Immutable after Compile; a loaded rule
// is never mutated, updates go through SaveFamily and a snapshot swap.
type SecurityRule struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	DetectionKind DetectionKind `json:"detection_type"`
	Severity      Severity      `json:"severity"`
	Patterns      []string      `json:"patterns"`
	Keywords      []string      `json:"keywords"`
	Enabled       bool          `json:"enabled"`
	Block         bool          `json:"block"`
	Priority      int           `json:"priority"`
	Categories    []string      `json:"categories,omitempty"`

	compiled         []*regexp.Regexp
	compiledKeywords []*regexp.Regexp
}

// neverMatch is the sentinel for patterns that fail to compile: \b\B can
// never be satisfied, so the broken pattern matches nothing but the rule
// stays active for its other patterns and keywords.
var neverMatch = regexp.MustCompile(`\b\B`)

// Compile populates the compiled pattern slices. Patterns are made
// case-insensitive unless they already open with an inline flag group.
// Returns the number of patterns that failed to compile.
func (r *SecurityRule) Compile() int {
	failed := 0
	r.compiled = make([]*regexp.Regexp, len(r.Patterns))
	for i, p := range r.Patterns {
		expr := p
		if !strings.HasPrefix(expr, "(?") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			r.compiled[i] = neverMatch
			failed++
			continue
		}
		r.compiled[i] = re
	}

	r.compiledKeywords = make([]*regexp.Regexp, len(r.Keywords))
	for i, kw := range r.Keywords {
		r.compiledKeywords[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return failed
}

// MatchPattern returns the index and matched text of the first pattern that
// matches t, or (-1, "") when none do. Match presence is decided by the
// index pair, not the matched text, so a pattern whose match is the empty
// string still counts.
func (r *SecurityRule) MatchPattern(t string) (int, string) {
	for i, re := range r.compiled {
		if loc := re.FindStringIndex(t); loc != nil {
			return i, t[loc[0]:loc[1]]
		}
	}
	return -1, ""
}

// MatchKeyword returns the first keyword found in t, or "".
func (r *SecurityRule) MatchKeyword(t string) string {
	for i, re := range r.compiledKeywords {
		if re.MatchString(t) {
			return r.Keywords[i]
		}
	}
	return ""
}

// Clone returns a deep copy of the rule without compiled state.
func (r *SecurityRule) Clone() *SecurityRule {
	c := *r
	c.Patterns = append([]string(nil), r.Patterns...)
	c.Keywords = append([]string(nil), r.Keywords...)
	c.Categories = append([]string(nil), r.Categories...)
	c.compiled = nil
	c.compiledKeywords = nil
	return &c
}

// CompiledCounts reports how many patterns and keywords were compiled.
// Both always equal the raw slice lengths after Compile.
func (r *SecurityRule) CompiledCounts() (patterns, keywords int) {
	return len(r.compiled), len(r.compiledKeywords)
}
