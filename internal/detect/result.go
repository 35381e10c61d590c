// Package detect implements the multi-stage rule engine: per-family
// evaluation, sensitive-info scanning, and the aggregator that orders the
// families and emits a single verdict per request or response.
package detect

import (
	"net/http"

	"github.com/llmshield/llmshield/internal/rules"
)

// Result is the outcome of a detection pass. A blocking result always
// carries the detection kind and a reason.
type Result struct {
	IsAllowed     bool                `json:"is_allowed"`
	DetectionKind rules.DetectionKind `json:"detection_type,omitempty"`
	Severity      rules.Severity      `json:"severity,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Details       map[string]any      `json:"details,omitempty"`
	StatusCode    int                 `json:"status_code,omitempty"`
}

// Allowed is the clean verdict.
func Allowed() Result {
	return Result{IsAllowed: true}
}

func blockedByRule(r *rules.SecurityRule, reason string, details map[string]any) Result {
	details["rule_id"] = r.ID
	details["rule_name"] = r.Name
	return Result{
		IsAllowed:     !r.Block,
		DetectionKind: r.DetectionKind,
		Severity:      r.Severity,
		Reason:        reason,
		Details:       details,
		StatusCode:    http.StatusForbidden,
	}
}
