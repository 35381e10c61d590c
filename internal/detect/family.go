package detect

import (
	"fmt"

	"github.com/llmshield/llmshield/internal/rules"
)

// EvaluateRules runs an ordered rule list against a text blob. The list is
// expected to be sorted by ascending priority; evaluation is
// first-match-wins, patterns before keywords within each rule.
func EvaluateRules(ruleList []*rules.SecurityRule, text string) Result {
	for _, r := range ruleList {
		if !r.Enabled {
			continue
		}

		if idx, matched := r.MatchPattern(text); idx >= 0 {
			return blockedByRule(r,
				fmt.Sprintf("Detected %s: %s", r.Name, matched),
				map[string]any{
					"matched_pattern": r.Patterns[idx],
					"matched_text":    matched,
				})
		}

		if kw := r.MatchKeyword(text); kw != "" {
			return blockedByRule(r,
				fmt.Sprintf("Detected %s: %s", r.Name, kw),
				map[string]any{
					"matched_keyword": kw,
				})
		}
	}
	return Allowed()
}

// SensitiveHits scans text against all sensitive-info patterns and returns
// every hit. Unlike the rule families this does not stop at the first match;
// the full list is what the masker consumes.
func SensitiveHits(patterns []rules.SensitivePattern, text string) []Result {
	var results []Result
	for _, sp := range patterns {
		for _, loc := range sp.Pattern.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			results = append(results, Result{
				IsAllowed:     false,
				DetectionKind: rules.KindSensitiveInfo,
				Severity:      rules.SeverityHigh,
				Reason:        fmt.Sprintf("Detected sensitive information: %s", sp.Type),
				Details: map[string]any{
					"type":            sp.Type,
					"matched_pattern": sp.Raw,
					"matched_text":    matched,
					"start":           loc[0],
					"end":             loc[1],
				},
				StatusCode: 403,
			})
		}
	}
	return results
}
