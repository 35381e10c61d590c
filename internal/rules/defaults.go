package rules

// Default rule sets written on first run when a family file is missing.

func defaultPromptInjectionRules() []*SecurityRule {
	return []*SecurityRule{
		{
			ID:            "pi-001",
			Name:          "Ignore Previous Instructions",
			Description:   "Detects attempts to make the model ignore previous instructions",
			DetectionKind: KindPromptInjection,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)ignore\s+(?:all\s+)?(?:previous|above|earlier)\s+instructions`,
				`(?i)disregard\s+(?:all\s+)?(?:previous|above|earlier)\s+instructions`,
			},
			Keywords:   []string{"ignore", "disregard", "previous instructions"},
			Enabled:    true,
			Block:      true,
			Priority:   10,
			Categories: []string{"prompt_injection"},
		},
		{
			ID:            "pi-002",
			Name:          "System Prompt Extraction",
			Description:   "Detects attempts to extract the system prompt",
			DetectionKind: KindPromptInjection,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)what\s+(?:was|were)\s+your\s+instructions`,
				`(?i)tell\s+me\s+your\s+instructions`,
				`(?i)what\s+(?:is|are)\s+your\s+system\s+prompt`,
			},
			Keywords:   []string{"instructions", "system prompt"},
			Enabled:    true,
			Block:      true,
			Priority:   20,
			Categories: []string{"prompt_injection"},
		},
		{
			ID:            "pi-003",
			Name:          "DAN (Do Anything Now) Jailbreak",
			Description:   "Detects DAN jailbreak attempts",
			DetectionKind: KindJailbreak,
			Severity:      SeverityCritical,
			Patterns: []string{
				`(?i)you\s+are\s+now\s+DAN`,
				`(?i)DAN\s+mode\s+enabled`,
				`(?i)Do\s+Anything\s+Now`,
			},
			Keywords:   []string{"DAN", "Do Anything Now"},
			Enabled:    true,
			Block:      true,
			Priority:   5,
			Categories: []string{"jailbreak"},
		},
	}
}

func defaultJailbreakRules() []*SecurityRule {
	return []*SecurityRule{
		{
			ID:            "jb-001",
			Name:          "DAN Jailbreak",
			Description:   "Detects DAN (Do Anything Now) jailbreak attempts",
			DetectionKind: KindJailbreak,
			Severity:      SeverityCritical,
			Patterns: []string{
				`(?i)you[.\s]*are[.\s]*now[.\s]*DAN`,
				`(?i)DAN[.\s]*mode[.\s]*enabled`,
				`(?i)Do[.\s]*Anything[.\s]*Now`,
			},
			Keywords:   []string{"DAN", "Do Anything Now"},
			Enabled:    true,
			Block:      true,
			Priority:   5,
			Categories: []string{"jailbreak"},
		},
		{
			ID:            "jb-002",
			Name:          "Alternative Jailbreak Characters",
			Description:   "Detects alternative jailbreak persona attempts like STAN, DUDE, AIM",
			DetectionKind: KindJailbreak,
			Severity:      SeverityCritical,
			Patterns: []string{
				`(?i)(?:STAN|DUDE|KEVIN|DAVE|AIM|ANTI-DAN)[.\s]*(?:模式|mode)`,
				`(?i)you[.\s]*are[.\s]*(?:STAN|DUDE|KEVIN|DAVE|AIM)`,
			},
			Keywords:   []string{"STAN", "DUDE", "KEVIN", "DAVE", "AIM", "ANTI-DAN"},
			Enabled:    true,
			Block:      true,
			Priority:   5,
			Categories: []string{"jailbreak"},
		},
	}
}

func defaultHarmfulContentRules() []*SecurityRule {
	return []*SecurityRule{
		{
			ID:            "hc-001",
			Name:          "Violence Content",
			Description:   "Detects violent content in text",
			DetectionKind: KindHarmfulContent,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)how\s+to\s+(?:kill|murder|harm|injure|attack)`,
				`(?i)(?:make|build|create)\s+(?:a|an)?\s+(?:bomb|explosive|weapon)`,
			},
			Keywords: []string{
				"kill", "murder", "attack", "bomb", "shooting", "terrorist",
				"assassination", "torture", "violent", "weapon", "gun", "explosive",
			},
			Enabled:    true,
			Block:      true,
			Priority:   15,
			Categories: []string{"violence"},
		},
		{
			ID:            "hc-002",
			Name:          "Hate Speech",
			Description:   "Detects hate speech and discriminatory content",
			DetectionKind: KindHarmfulContent,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)(?:all|every)\s+(?:\w+\s+)?(?:people|person|individual|member)\s+(?:is|are)\s+(?:bad|evil|inferior|stupid)`,
			},
			Keywords: []string{
				"hate", "racist", "sexist", "homophobic", "transphobic", "bigot",
				"discrimination", "prejudice", "slur",
			},
			Enabled:    true,
			Block:      true,
			Priority:   25,
			Categories: []string{"hate_speech"},
		},
		{
			ID:            "hc-003",
			Name:          "Illegal Activities",
			Description:   "Detects content related to illegal activities",
			DetectionKind: KindHarmfulContent,
			Severity:      SeverityMedium,
			Patterns: []string{
				`(?i)how\s+to\s+(?:hack|crack|steal|launder|counterfeit)`,
			},
			Keywords: []string{
				"hack", "crack", "steal", "fraud", "illegal", "crime", "criminal",
				"drug", "cocaine", "heroin", "meth", "launder", "counterfeit",
			},
			Enabled:    true,
			Block:      true,
			Priority:   30,
			Categories: []string{"illegal_activities"},
		},
	}
}

func defaultComplianceRules() []*SecurityRule {
	return []*SecurityRule{
		{
			ID:            "comp-001",
			Name:          "GDPR Compliance",
			Description:   "Detects potential GDPR compliance issues",
			DetectionKind: KindCompliance,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)(?:collect|store|process|use)\s+(?:personal|private|user)\s+(?:data|information)\s+without\s+(?:consent|permission)`,
			},
			Keywords: []string{
				"GDPR violation", "data protection", "privacy breach", "consent", "data subject rights",
			},
			Enabled:    true,
			Block:      true,
			Priority:   40,
			Categories: []string{"gdpr", "privacy"},
		},
		{
			ID:            "comp-002",
			Name:          "HIPAA Compliance",
			Description:   "Detects potential HIPAA compliance issues",
			DetectionKind: KindCompliance,
			Severity:      SeverityHigh,
			Patterns: []string{
				`(?i)(?:share|disclose|reveal)\s+(?:patient|medical|health)\s+(?:data|information|records)\s+without\s+(?:authorization|consent)`,
			},
			Keywords: []string{
				"HIPAA violation", "PHI", "patient data", "medical records", "health information",
			},
			Enabled:    true,
			Block:      true,
			Priority:   35,
			Categories: []string{"hipaa", "healthcare"},
		},
	}
}

// defaultSensitivePatterns is the pattern map written to sensitive_info.json
// on first run. Keys are the sensitive-info types used by the masker.
func defaultSensitivePatterns() map[string][]string {
	return map[string][]string{
		"credit_card": {
			`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|3(?:0[0-5]|[68][0-9])[0-9]{11}|6(?:011|5[0-9]{2})[0-9]{12}|(?:2131|1800|35\d{3})\d{11})\b`,
		},
		"ssn": {
			`\b(?:0[1-9][0-9]|[1-6][0-9]{2}|7[0-2][0-9]|73[0-3]|7[5-6][0-9]|77[0-2])[- ]?(?:0[1-9]|[1-9][0-9])[- ]?(?:[1-9][0-9]{3}|[0-9][1-9][0-9]{2}|[0-9]{2}[1-9][0-9]|[0-9]{3}[1-9])\b`,
		},
		"email": {
			`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
		},
		"phone": {
			`\b(?:\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
		},
		"id_card": {
			`\b\d{6}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]\b`,
		},
		"api_key": {
			`\b(?:api[_-]?key|access[_-]?key|secret[_-]?key)[_-]?(?:id)?[:=]\s*['"]?([a-zA-Z0-9]{16,})`,
		},
		"password": {
			`(?:password|passwd|pwd)[:=]\s*['"]([^'"]{8,})['"]`,
			`(?:password|passwd|pwd)\s+is\s+['"]?([^'"\s]+)['"]?`,
			`(?:我的|my)[.\s]*(?:密码|password)[.\s]*(?:是|is)[.\s]*([A-Za-z0-9!@#$%^&*()_+=\[\]{};:'"\\|,.<>/?-]{8,})`,
		},
	}
}
