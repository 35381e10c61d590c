package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/garagon/aguara"

	"github.com/llmshield/llmshield/internal/rules"
)

// CustomScanner runs the Aguara content engine over prompts as the final
// request-side detection stage. Rules come from Aguara's built-in set plus
// an optional directory of user-supplied rule files.
type CustomScanner struct {
	opts   []aguara.Option
	logger *slog.Logger
}

// NewCustomScanner creates a scanner. customRulesDir may be empty, in which
// case only Aguara's built-in rules apply.
func NewCustomScanner(customRulesDir string, logger *slog.Logger) *CustomScanner {
	s := &CustomScanner{logger: logger}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	return s
}

// Scan evaluates text against the loaded rule set. A finding at high or
// critical severity blocks; lower severities are logged and allowed through.
func (s *CustomScanner) Scan(ctx context.Context, text string) Result {
	result, err := aguara.ScanContent(ctx, text, "message.md", s.opts...)
	if err != nil {
		// Scan failure is not a block. Detection degrades, traffic flows.
		s.logger.Error("custom rule scan failed", "error", err)
		return Allowed()
	}

	for _, f := range result.Findings {
		if f.Severity < aguara.SeverityHigh {
			s.logger.Info("custom rule finding below block threshold",
				"rule", f.RuleID, "severity", f.Severity.String())
			continue
		}
		return Result{
			IsAllowed:     false,
			DetectionKind: rules.KindCustom,
			Severity:      severityFromAguara(f.Severity),
			Reason:        fmt.Sprintf("Detected %s: %s", f.RuleName, truncate(f.MatchedText, 200)),
			Details: map[string]any{
				"rule_id":      f.RuleID,
				"rule_name":    f.RuleName,
				"matched_text": truncate(f.MatchedText, 200),
			},
			StatusCode: 403,
		}
	}
	return Allowed()
}

// ListRules returns metadata for all loaded custom rules.
func (s *CustomScanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// ExplainRule returns detailed information about a rule by ID.
func (s *CustomScanner) ExplainRule(id string) (*aguara.RuleDetail, error) {
	return aguara.ExplainRule(id, s.opts...)
}

func severityFromAguara(sev aguara.Severity) rules.Severity {
	switch {
	case sev >= aguara.SeverityCritical:
		return rules.SeverityCritical
	case sev >= aguara.SeverityHigh:
		return rules.SeverityHigh
	case sev >= aguara.SeverityMedium:
		return rules.SeverityMedium
	}
	return rules.SeverityLow
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
