package modelrules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/llmshield/llmshield/internal/rules"
	"github.com/llmshield/llmshield/internal/safefile"
)

const maxConfigFileBytes = 4 << 20

// Manager owns model rule configurations and templates, persisted as two
// JSON files next to the rule files.
type Manager struct {
	configsPath   string
	templatesPath string
	logger        *slog.Logger

	mu        sync.RWMutex
	configs   map[string]*ModelRuleConfig
	templates map[string]*RuleSetTemplate

	// merged-rule cache, invalidated when the config or the rule snapshot
	// changes
	merged map[string]mergedEntry
}

type mergedEntry struct {
	snap *rules.Snapshot
	list []*rules.SecurityRule
}

// NewManager loads both files, seeding default templates when the template
// file does not exist yet.
func NewManager(configsPath, templatesPath string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		configsPath:   configsPath,
		templatesPath: templatesPath,
		logger:        logger,
		configs:       make(map[string]*ModelRuleConfig),
		templates:     make(map[string]*RuleSetTemplate),
		merged:        make(map[string]mergedEntry),
	}

	if err := m.loadConfigs(); err != nil {
		return nil, fmt.Errorf("loading model rule configs: %w", err)
	}
	if err := m.loadTemplates(); err != nil {
		return nil, fmt.Errorf("loading rule templates: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfigs() error {
	if _, err := os.Lstat(m.configsPath); os.IsNotExist(err) {
		return nil
	}
	data, err := safefile.ReadFileMax(m.configsPath, maxConfigFileBytes)
	if err != nil {
		return err
	}
	var list []*ModelRuleConfig
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parsing %s: %w", m.configsPath, err)
	}
	for _, c := range list {
		m.configs[c.ModelID] = c
	}
	return nil
}

func (m *Manager) loadTemplates() error {
	if _, err := os.Lstat(m.templatesPath); os.IsNotExist(err) {
		now := time.Now()
		for _, t := range defaultTemplates() {
			t.CreatedAt = now
			t.UpdatedAt = now
			m.templates[t.ID] = t
		}
		return m.saveTemplatesLocked()
	}
	data, err := safefile.ReadFileMax(m.templatesPath, maxConfigFileBytes)
	if err != nil {
		return err
	}
	var list []*RuleSetTemplate
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parsing %s: %w", m.templatesPath, err)
	}
	for _, t := range list {
		m.templates[t.ID] = t
	}
	return nil
}

func (m *Manager) saveConfigsLocked() error {
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]*ModelRuleConfig, 0, len(ids))
	for _, id := range ids {
		list = append(list, m.configs[id])
	}
	return writeJSON(m.configsPath, list)
}

func (m *Manager) saveTemplatesLocked() error {
	ids := make([]string, 0, len(m.templates))
	for id := range m.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]*RuleSetTemplate, 0, len(ids))
	for _, id := range ids {
		list = append(list, m.templates[id])
	}
	return writeJSON(m.templatesPath, list)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	return safefile.WriteFileAtomic(path, data, 0o644)
}

// Config returns the configuration for a model.
func (m *Manager) Config(modelID string) (*ModelRuleConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[modelID]
	return c, ok
}

// AllConfigs returns every model configuration sorted by model ID.
func (m *Manager) AllConfigs() []*ModelRuleConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*ModelRuleConfig, 0, len(m.configs))
	for _, c := range m.configs {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ModelID < list[j].ModelID })
	return list
}

// SaveConfig creates or replaces a model configuration.
func (m *Manager) SaveConfig(c *ModelRuleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.configs[c.ModelID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.configs[c.ModelID] = c
	delete(m.merged, c.ModelID)
	return m.saveConfigsLocked()
}

// DeleteConfig removes a model configuration. Returns false when none
// existed.
func (m *Manager) DeleteConfig(modelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[modelID]; !ok {
		return false, nil
	}
	delete(m.configs, modelID)
	delete(m.merged, modelID)
	return true, m.saveConfigsLocked()
}

// Template returns one template by ID.
func (m *Manager) Template(id string) (*RuleSetTemplate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	return t, ok
}

// AllTemplates returns every template sorted by ID.
func (m *Manager) AllTemplates() []*RuleSetTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*RuleSetTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// SaveTemplate creates or replaces a template.
func (m *Manager) SaveTemplate(t *RuleSetTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.templates[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.templates[t.ID] = t
	return m.saveTemplatesLocked()
}

// DeleteTemplate removes a template.
func (m *Manager) DeleteTemplate(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return false, nil
	}
	delete(m.templates, id)
	return true, m.saveTemplatesLocked()
}

// ApplyTemplate replaces a model's association list wholesale with the
// template's rules. Idempotent: association IDs are deterministic
// "<model>_<rule>".
func (m *Manager) ApplyTemplate(modelID, templateID string) (*ModelRuleConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("template %q does not exist", templateID)
	}

	now := time.Now()
	config, ok := m.configs[modelID]
	if !ok {
		config = &ModelRuleConfig{ModelID: modelID, Enabled: true, CreatedAt: now}
		m.configs[modelID] = config
	}
	config.TemplateID = templateID
	config.UpdatedAt = now
	config.Rules = make([]ModelRuleAssociation, 0, len(t.Rules))
	for _, tr := range t.Rules {
		config.Rules = append(config.Rules, ModelRuleAssociation{
			ID:             modelID + "_" + tr.RuleID,
			ModelID:        modelID,
			RuleID:         tr.RuleID,
			Enabled:        tr.Enabled,
			Priority:       tr.Priority,
			OverrideParams: tr.OverrideParams,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	delete(m.merged, modelID)
	if err := m.saveConfigsLocked(); err != nil {
		return nil, err
	}
	return config, nil
}

// BatchApplyTemplate applies a template to many models and returns the
// number of models updated successfully.
func (m *Manager) BatchApplyTemplate(modelIDs []string, templateID string) int {
	success := 0
	for _, id := range modelIDs {
		if _, err := m.ApplyTemplate(id, templateID); err != nil {
			m.logger.Error("applying template failed", "model", id, "template", templateID, "error", err)
			continue
		}
		success++
	}
	return success
}

// BatchToggleRules enables or disables the given rules on many models.
// Models without a configuration are skipped. Returns the number of models
// updated.
func (m *Manager) BatchToggleRules(modelIDs, ruleIDs []string, enabled bool) int {
	wanted := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		wanted[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	success := 0
	changed := false
	for _, modelID := range modelIDs {
		config, ok := m.configs[modelID]
		if !ok {
			continue
		}
		updated := false
		for i := range config.Rules {
			if wanted[config.Rules[i].RuleID] && config.Rules[i].Enabled != enabled {
				config.Rules[i].Enabled = enabled
				config.Rules[i].UpdatedAt = time.Now()
				updated = true
			}
		}
		if updated {
			config.UpdatedAt = time.Now()
			delete(m.merged, modelID)
			changed = true
			success++
		}
	}
	if changed {
		if err := m.saveConfigsLocked(); err != nil {
			m.logger.Error("saving model rules after batch toggle", "error", err)
		}
	}
	return success
}

// DetectConflicts reports every pair of enabled associations that share an
// effective priority.
func (m *Manager) DetectConflicts(modelID string) []RuleConflict {
	m.mu.RLock()
	defer m.mu.RUnlock()

	config, ok := m.configs[modelID]
	if !ok {
		return nil
	}

	var conflicts []RuleConflict
	seen := make(map[int]string)
	for _, assoc := range config.Rules {
		if !assoc.Enabled {
			continue
		}
		if prev, dup := seen[assoc.Priority]; dup {
			conflicts = append(conflicts, RuleConflict{
				Rule1ID:      prev,
				Rule2ID:      assoc.RuleID,
				ConflictType: ConflictPriority,
				Description:  fmt.Sprintf("rules %s and %s share priority %d", prev, assoc.RuleID, assoc.Priority),
				Suggestion:   "adjust the priority of one of the rules",
			})
		} else {
			seen[assoc.Priority] = assoc.RuleID
		}
	}
	return conflicts
}

// criticalKinds are the detection kinds a well-configured model must cover.
var criticalKinds = []rules.DetectionKind{
	rules.KindPromptInjection,
	rules.KindJailbreak,
	rules.KindHarmfulContent,
	rules.KindSensitiveInfo,
}

// Summary builds the per-model overview, including the 0-100 security
// score: kind coverage over the critical set is worth 50 points, rule count
// (capped at 20) the other 50.
func (m *Manager) Summary(modelID, modelName string, snap *rules.Snapshot) ModelRuleSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	config, ok := m.configs[modelID]
	if !ok {
		return ModelRuleSummary{
			ModelID:     modelID,
			ModelName:   modelName,
			LastUpdated: time.Now(),
		}
	}

	templateName := ""
	if t, ok := m.templates[config.TemplateID]; ok {
		templateName = t.Name
	}

	enabled := 0
	for _, assoc := range config.Rules {
		if assoc.Enabled {
			enabled++
		}
	}

	return ModelRuleSummary{
		ModelID:           modelID,
		ModelName:         modelName,
		TemplateID:        config.TemplateID,
		TemplateName:      templateName,
		RulesCount:        len(config.Rules),
		EnabledRulesCount: enabled,
		SecurityScore:     securityScore(config, snap),
		LastUpdated:       config.UpdatedAt,
	}
}

func securityScore(config *ModelRuleConfig, snap *rules.Snapshot) int {
	enabled := make([]ModelRuleAssociation, 0, len(config.Rules))
	for _, assoc := range config.Rules {
		if assoc.Enabled {
			enabled = append(enabled, assoc)
		}
	}
	if len(enabled) == 0 {
		return 0
	}

	covered := make(map[rules.DetectionKind]bool)
	for _, assoc := range enabled {
		if r, ok := snap.RuleByID(assoc.RuleID); ok {
			for _, kind := range criticalKinds {
				if r.DetectionKind == kind {
					covered[kind] = true
				}
			}
		}
	}
	typeCoverage := float64(len(covered)) / float64(len(criticalKinds)) * 50
	countScore := min(float64(len(enabled))/20*50, 50)
	return int(typeCoverage + countScore)
}

// CreateTemplateFromModel captures a model's current configuration as a new
// reusable template.
func (m *Manager) CreateTemplateFromModel(modelID, templateID, name, description, category string) (*RuleSetTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, ok := m.configs[modelID]
	if !ok {
		return nil, fmt.Errorf("model %q has no rule configuration", modelID)
	}

	now := time.Now()
	t := &RuleSetTemplate{
		ID:          templateID,
		Name:        name,
		Description: description,
		Category:    category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, assoc := range config.Rules {
		t.Rules = append(t.Rules, TemplateRule{
			RuleID:         assoc.RuleID,
			Enabled:        assoc.Enabled,
			Priority:       assoc.Priority,
			OverrideParams: assoc.OverrideParams,
		})
	}
	m.templates[t.ID] = t
	if err := m.saveTemplatesLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// MergedRules returns the model's overlay rules compiled and sorted by
// effective priority. The overlay narrows evaluation to the associated
// rules at their overridden priorities; the global families still run after
// this stage, so an association can reorder or add scrutiny but never
// weaken a global rule. Returns ok=false when the model has no enabled
// configuration.
func (m *Manager) MergedRules(model string, snap *rules.Snapshot) ([]*rules.SecurityRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, ok := m.configs[model]
	if !ok || !config.Enabled {
		return nil, false
	}
	if entry, ok := m.merged[model]; ok && entry.snap == snap {
		return entry.list, true
	}

	list := make([]*rules.SecurityRule, 0, len(config.Rules))
	for _, assoc := range config.Rules {
		if !assoc.Enabled {
			continue
		}
		base, ok := snap.RuleByID(assoc.RuleID)
		if !ok {
			continue
		}
		r := base.Clone()
		r.Priority = assoc.Priority
		r.Compile()
		list = append(list, r)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })

	m.merged[model] = mergedEntry{snap: snap, list: list}
	return list, true
}
