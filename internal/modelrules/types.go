// Package modelrules manages per-model rule configurations: which rules
// apply to which model, at what priority, and the reusable templates that
// seed those configurations.
package modelrules

import "time"

// ModelRuleAssociation binds one rule to one model with an effective
// priority that overrides the rule's default. Smaller numbers win.
type ModelRuleAssociation struct {
	ID             string         `json:"id"`
	ModelID        string         `json:"model_id"`
	RuleID         string         `json:"rule_id"`
	Enabled        bool           `json:"enabled"`
	Priority       int            `json:"priority"`
	OverrideParams map[string]any `json:"override_params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ModelRuleConfig is the full rule configuration of one model.
type ModelRuleConfig struct {
	ModelID     string                 `json:"model_id"`
	TemplateID  string                 `json:"template_id,omitempty"`
	Rules       []ModelRuleAssociation `json:"rules"`
	Enabled     bool                   `json:"enabled"`
	Description string                 `json:"description,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// TemplateRule is one entry of a template's rule list.
type TemplateRule struct {
	RuleID         string         `json:"rule_id"`
	Enabled        bool           `json:"enabled"`
	Priority       int            `json:"priority"`
	OverrideParams map[string]any `json:"override_params,omitempty"`
}

// RuleSetTemplate is a named, reusable rule selection that can be applied
// to any model.
type RuleSetTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Rules       []TemplateRule `json:"rules"`
	Category    string         `json:"category"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ModelRuleSummary is the per-model overview served to the management UI.
type ModelRuleSummary struct {
	ModelID           string    `json:"model_id"`
	ModelName         string    `json:"model_name"`
	TemplateID        string    `json:"template_id,omitempty"`
	TemplateName      string    `json:"template_name,omitempty"`
	RulesCount        int       `json:"rules_count"`
	EnabledRulesCount int       `json:"enabled_rules_count"`
	SecurityScore     int       `json:"security_score"`
	LastUpdated       time.Time `json:"last_updated"`
}

// RuleConflict describes a problem between two rules of one model's
// configuration.
type RuleConflict struct {
	Rule1ID      string `json:"rule1_id"`
	Rule2ID      string `json:"rule2_id"`
	ConflictType string `json:"conflict_type"`
	Description  string `json:"description"`
	Suggestion   string `json:"suggestion"`
}

// ConflictPriority is the only conflict type detected today. Pattern
// overlap and action conflicts would slot in here.
const ConflictPriority = "priority_conflict"
