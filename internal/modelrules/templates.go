package modelrules

// Built-in templates written to rule_templates.json on first run. Rule IDs
// reference the default rule files; IDs with no matching rule are tolerated
// so a template survives a trimmed rule set.

func defaultTemplates() []*RuleSetTemplate {
	return []*RuleSetTemplate{
		{
			ID:          "high_security",
			Name:        "High Security",
			Description: "For high-assurance deployments: every detection rule enabled",
			Category:    "security",
			Rules: []TemplateRule{
				{RuleID: "pi-001", Enabled: true, Priority: 10},
				{RuleID: "pi-002", Enabled: true, Priority: 11},
				{RuleID: "pi-003", Enabled: true, Priority: 5},
				{RuleID: "pi-004", Enabled: true, Priority: 12},
				{RuleID: "pi-005", Enabled: true, Priority: 13},
				{RuleID: "pi-006", Enabled: true, Priority: 8},
				{RuleID: "pi-007", Enabled: true, Priority: 7},
				{RuleID: "pi-008", Enabled: true, Priority: 6},
				{RuleID: "jb-001", Enabled: true, Priority: 5},
				{RuleID: "jb-002", Enabled: true, Priority: 5},
				{RuleID: "jb-003", Enabled: true, Priority: 6},
				{RuleID: "jb-004", Enabled: true, Priority: 7},
				{RuleID: "jb-005", Enabled: true, Priority: 8},
				{RuleID: "jb-006", Enabled: true, Priority: 9},
				{RuleID: "jb-007", Enabled: true, Priority: 7},
				{RuleID: "jb-008", Enabled: true, Priority: 6},
				{RuleID: "si-001", Enabled: true, Priority: 20},
				{RuleID: "si-002", Enabled: true, Priority: 21},
				{RuleID: "si-003", Enabled: true, Priority: 22},
				{RuleID: "hc-001", Enabled: true, Priority: 15},
				{RuleID: "hc-002", Enabled: true, Priority: 16},
				{RuleID: "hc-003", Enabled: true, Priority: 17},
				{RuleID: "hc-004", Enabled: true, Priority: 18},
				{RuleID: "hc-005", Enabled: true, Priority: 19},
				{RuleID: "hc-006", Enabled: true, Priority: 16},
				{RuleID: "hc-007", Enabled: true, Priority: 14},
				{RuleID: "hc-008", Enabled: true, Priority: 15},
				{RuleID: "hc-009", Enabled: true, Priority: 13},
				{RuleID: "hc-010", Enabled: true, Priority: 14},
				{RuleID: "comp-001", Enabled: true, Priority: 30},
				{RuleID: "comp-002", Enabled: true, Priority: 31},
			},
		},
		{
			ID:          "medium_security",
			Name:        "Medium Security",
			Description: "Balanced protection for general-purpose deployments",
			Category:    "security",
			Rules: []TemplateRule{
				{RuleID: "pi-001", Enabled: true, Priority: 10},
				{RuleID: "pi-003", Enabled: true, Priority: 5},
				{RuleID: "pi-006", Enabled: true, Priority: 8},
				{RuleID: "jb-001", Enabled: true, Priority: 5},
				{RuleID: "jb-002", Enabled: true, Priority: 5},
				{RuleID: "si-001", Enabled: true, Priority: 20},
				{RuleID: "hc-004", Enabled: true, Priority: 18},
				{RuleID: "hc-005", Enabled: true, Priority: 19},
				{RuleID: "hc-007", Enabled: true, Priority: 14},
				{RuleID: "comp-001", Enabled: true, Priority: 30},
			},
		},
		{
			ID:          "low_security",
			Name:        "Low Security",
			Description: "Only the critical rules, for low-risk workloads",
			Category:    "security",
			Rules: []TemplateRule{
				{RuleID: "jb-001", Enabled: true, Priority: 5},
				{RuleID: "si-001", Enabled: true, Priority: 20},
				{RuleID: "hc-004", Enabled: true, Priority: 18},
				{RuleID: "hc-005", Enabled: true, Priority: 19},
			},
		},
		{
			ID:          "research",
			Name:        "Research",
			Description: "Minimal restrictions for research and red-team testing",
			Category:    "research",
			Rules: []TemplateRule{
				{RuleID: "si-001", Enabled: true, Priority: 20},
				{RuleID: "hc-005", Enabled: true, Priority: 19},
			},
		},
		{
			ID:          "custom",
			Name:        "Custom",
			Description: "Empty starting point for hand-built configurations",
			Category:    "custom",
			Rules:       []TemplateRule{},
		},
	}
}
