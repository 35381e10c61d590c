package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"time"

	"github.com/llmshield/llmshield/internal/audit"
	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/detect"
	"github.com/llmshield/llmshield/internal/events"
	"github.com/llmshield/llmshield/internal/metrics"
	"github.com/llmshield/llmshield/internal/modelrules"
	"github.com/llmshield/llmshield/internal/rules"
)

// API serves the management endpoints: rule CRUD, templates, model rule
// bindings, events, metrics, keys, and health.
type API struct {
	cfg     *config.Config
	store   *rules.Store
	manager *modelrules.Manager
	events  *events.Logger
	audit   *audit.Store
	metrics *metrics.Metrics
	queue   *RequestQueue
	keys    *APIKeyManager
	custom  *detect.CustomScanner
	tracker *ConversationTracker
	logger  *slog.Logger
	started time.Time
	version string
}

// NewAPI creates the management API.
func NewAPI(cfg *config.Config, store *rules.Store, manager *modelrules.Manager, ev *events.Logger, auditStore *audit.Store, m *metrics.Metrics, queue *RequestQueue, keys *APIKeyManager, custom *detect.CustomScanner, tracker *ConversationTracker, version string, logger *slog.Logger) *API {
	return &API{
		cfg:     cfg,
		store:   store,
		manager: manager,
		events:  ev,
		audit:   auditStore,
		metrics: m,
		queue:   queue,
		keys:    keys,
		custom:  custom,
		tracker: tracker,
		logger:  logger,
		started: time.Now(),
		version: version,
	}
}

// Register mounts all management routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/rules", a.listRules)
	mux.HandleFunc("POST /api/v1/rules", a.createRule)
	mux.HandleFunc("GET /api/v1/rules/{id}", a.getRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", a.updateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", a.deleteRule)
	mux.HandleFunc("PATCH /api/v1/rules/{id}/priority", a.patchRulePriority)

	mux.HandleFunc("GET /api/v1/sensitive-patterns", a.listSensitivePatterns)
	mux.HandleFunc("PUT /api/v1/sensitive-patterns", a.updateSensitivePatterns)

	mux.HandleFunc("GET /api/v1/custom-rules", a.listCustomRules)
	mux.HandleFunc("GET /api/v1/custom-rules/{id}", a.explainCustomRule)

	mux.HandleFunc("GET /api/v1/rule-templates", a.listTemplates)
	mux.HandleFunc("POST /api/v1/rule-templates", a.createTemplate)
	mux.HandleFunc("GET /api/v1/rule-templates/{id}", a.getTemplate)
	mux.HandleFunc("PUT /api/v1/rule-templates/{id}", a.updateTemplate)
	mux.HandleFunc("DELETE /api/v1/rule-templates/{id}", a.deleteTemplate)

	mux.HandleFunc("GET /api/v1/model-rules", a.listModelRules)
	mux.HandleFunc("POST /api/v1/model-rules", a.saveModelRules)
	mux.HandleFunc("GET /api/v1/model-rules/{modelId}", a.getModelRules)
	mux.HandleFunc("DELETE /api/v1/model-rules/{modelId}", a.deleteModelRules)
	mux.HandleFunc("GET /api/v1/model-rules/{modelId}/conflicts", a.modelRuleConflicts)
	mux.HandleFunc("GET /api/v1/model-rules/{modelId}/summary", a.modelRuleSummary)
	mux.HandleFunc("POST /api/v1/models/{id}/apply-template/{tid}", a.applyTemplate)
	mux.HandleFunc("POST /api/v1/models/{id}/create-template", a.createTemplateFromModel)
	mux.HandleFunc("POST /api/v1/models/batch-apply-template", a.batchApplyTemplate)
	mux.HandleFunc("POST /api/v1/models/batch-toggle-rules", a.batchToggleRules)

	mux.HandleFunc("GET /api/v1/events", a.listEvents)
	mux.HandleFunc("GET /api/v1/events/stats", a.eventStats)
	mux.HandleFunc("GET /api/v1/events/{id}", a.getEvent)

	mux.HandleFunc("GET /api/v1/metrics", a.metricsSnapshot)
	mux.HandleFunc("GET /api/v1/metrics/resource", a.metricsResource)
	mux.HandleFunc("GET /api/v1/metrics/requests", a.metricsRequests)
	mux.HandleFunc("GET /api/v1/metrics/events", a.metricsEvents)
	mux.HandleFunc("GET /api/v1/metrics/models", a.metricsModels)
	mux.HandleFunc("GET /api/v1/metrics/queues", a.metricsQueues)

	mux.HandleFunc("GET /api/v1/keys", a.listKeys)
	mux.HandleFunc("POST /api/v1/keys", a.createKey)
	mux.HandleFunc("DELETE /api/v1/keys/{key}", a.deleteKey)

	mux.HandleFunc("POST /api/v1/feedback/false-positive", a.falsePositiveFeedback)

	mux.HandleFunc("GET /api/v1/health", a.health)
	mux.HandleFunc("GET /api/v1/health/status", a.healthStatus)
	mux.HandleFunc("GET /api/v1/audit", a.listAudit)
}

// --- rules ---

func familyForKind(kind rules.DetectionKind) (rules.Family, bool) {
	switch kind {
	case rules.KindPromptInjection:
		return rules.FamilyPromptInjection, true
	case rules.KindJailbreak, rules.KindRolePlay:
		return rules.FamilyJailbreak, true
	case rules.KindHarmfulContent:
		return rules.FamilyHarmfulContent, true
	case rules.KindCompliance:
		return rules.FamilyCompliance, true
	}
	return "", false
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Snapshot()
	all := snap.AllRules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": all, "total": len(all)})
}

func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Snapshot()
	rule, ok := snap.RuleByID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.SecurityRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if rule.ID == "" || rule.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and name are required"})
		return
	}
	fam, ok := familyForKind(rule.DetectionKind)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown detection_type"})
		return
	}
	snap := a.store.Snapshot()
	if _, exists := snap.RuleByID(rule.ID); exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "rule already exists"})
		return
	}

	list := append(snap.Family(fam), &rule)
	if err := a.store.SaveFamily(fam, list); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fam, ok := a.store.FamilyOf(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	var rule rules.SecurityRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	rule.ID = id

	// Work on a copy; the published snapshot stays untouched until
	// SaveFamily recompiles and swaps it.
	src := a.store.Snapshot().Family(fam)
	list := make([]*rules.SecurityRule, len(src))
	copy(list, src)
	for i, existing := range list {
		if existing.ID == id {
			list[i] = &rule
			break
		}
	}
	if err := a.store.SaveFamily(fam, list); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fam, ok := a.store.FamilyOf(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	var kept []*rules.SecurityRule
	for _, rule := range a.store.Snapshot().Family(fam) {
		if rule.ID != id {
			kept = append(kept, rule)
		}
	}
	if err := a.store.SaveFamily(fam, kept); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) patchRulePriority(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	fam, ok := a.store.FamilyOf(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	src := a.store.Snapshot().Family(fam)
	list := make([]*rules.SecurityRule, len(src))
	copy(list, src)
	var updated *rules.SecurityRule
	for i, rule := range list {
		if rule.ID == id {
			c := rule.Clone()
			c.Priority = body.Priority
			list[i] = c
			updated = c
			break
		}
	}
	if err := a.store.SaveFamily(fam, list); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- sensitive patterns ---

func (a *API) listSensitivePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Snapshot().SensitiveRaw())
}

func (a *API) updateSensitivePatterns(w http.ResponseWriter, r *http.Request) {
	var patterns map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&patterns); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	// Reject broken regexes up front; the store would otherwise replace
	// them with a never-matching sentinel and the pattern would be lost.
	for typ, list := range patterns {
		for _, p := range list {
			if _, err := regexp.Compile(p); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("invalid pattern for %s: %v", typ, err),
				})
				return
			}
		}
	}
	if err := a.store.SaveSensitive(patterns); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.store.Snapshot().SensitiveRaw())
}

// --- custom (Aguara) rules ---

func (a *API) listCustomRules(w http.ResponseWriter, r *http.Request) {
	infos := a.custom.ListRules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": infos, "total": len(infos)})
}

func (a *API) explainCustomRule(w http.ResponseWriter, r *http.Request) {
	detail, err := a.custom.ExplainRule(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// --- templates ---

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts := a.manager.AllTemplates()
	writeJSON(w, http.StatusOK, map[string]any{"templates": ts, "total": len(ts)})
}

func (a *API) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, ok := a.manager.Template(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t modelrules.RuleSetTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if t.ID == "" || t.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and name are required"})
		return
	}
	if _, exists := a.manager.Template(t.ID); exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "template already exists"})
		return
	}
	if err := a.manager.SaveTemplate(&t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var t modelrules.RuleSetTemplate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	t.ID = r.PathValue("id")
	if err := a.manager.SaveTemplate(&t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := a.manager.DeleteTemplate(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "template not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// --- model rules ---

func (a *API) listModelRules(w http.ResponseWriter, r *http.Request) {
	cfgs := a.manager.AllConfigs()
	writeJSON(w, http.StatusOK, map[string]any{"model_rules": cfgs, "total": len(cfgs)})
}

func (a *API) getModelRules(w http.ResponseWriter, r *http.Request) {
	c, ok := a.manager.Config(r.PathValue("modelId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model config not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) saveModelRules(w http.ResponseWriter, r *http.Request) {
	var c modelrules.ModelRuleConfig
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if c.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model_id is required"})
		return
	}
	if err := a.manager.SaveConfig(&c); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteModelRules(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("modelId")
	ok, err := a.manager.DeleteConfig(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model config not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) modelRuleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := a.manager.DetectConflicts(r.PathValue("modelId"))
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "total": len(conflicts)})
}

func (a *API) modelRuleSummary(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("modelId")
	summary := a.manager.Summary(modelID, modelID, a.store.Snapshot())
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) applyTemplate(w http.ResponseWriter, r *http.Request) {
	c, err := a.manager.ApplyTemplate(r.PathValue("id"), r.PathValue("tid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) createTemplateFromModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID  string `json:"template_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	t, err := a.manager.CreateTemplateFromModel(r.PathValue("id"), body.TemplateID, body.Name, body.Description, body.Category)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) batchApplyTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelIDs   []string `json:"model_ids"`
		TemplateID string   `json:"template_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	n := a.manager.BatchApplyTemplate(body.ModelIDs, body.TemplateID)
	writeJSON(w, http.StatusOK, map[string]any{"applied": n, "requested": len(body.ModelIDs)})
}

func (a *API) batchToggleRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelIDs []string `json:"model_ids"`
		RuleIDs  []string `json:"rule_ids"`
		Enabled  bool     `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	n := a.manager.BatchToggleRules(body.ModelIDs, body.RuleIDs, body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"toggled": n})
}

// --- events ---

func queryFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v
}

func queryInt(r *http.Request, key, def string) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		s = def
	}
	n, _ := strconv.Atoi(s)
	return n
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	f := events.Filter{
		StartTime:     queryFloat(r, "start_time"),
		EndTime:       queryFloat(r, "end_time"),
		DetectionKind: rules.DetectionKind(r.URL.Query().Get("detection_type")),
		Severity:      rules.Severity(r.URL.Query().Get("severity")),
	}
	page := queryInt(r, "page", "1")
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", "20")
	if pageSize < 1 || pageSize > 500 {
		pageSize = 20
	}

	evs := a.events.Query(f, pageSize, (page-1)*pageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    evs,
		"total":     a.events.Count(f),
		"page":      page,
		"page_size": pageSize,
	})
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := a.events.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) eventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.events.Stats(queryFloat(r, "start_time"), queryFloat(r, "end_time")))
}

// --- metrics ---

func (a *API) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.metrics.SnapshotJSON(a.queue))
}

func (a *API) metricsResource(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc":      ms.HeapAlloc,
		"heap_sys":        ms.HeapSys,
		"gc_cycles":       ms.NumGC,
		"uptime_seconds":  time.Since(a.started).Seconds(),
		"active_requests": a.queue.Active(),
	})
}

func (a *API) metricsRequests(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", "15")
	if minutes < 1 || minutes > 60 {
		minutes = 15
	}
	since := time.Now().Add(-time.Duration(minutes) * time.Minute).UTC().Format(time.RFC3339)
	counts, err := a.audit.Counts(since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"minutes":          minutes,
		"total_requests":   counts.Total,
		"success_requests": counts.Forwarded + counts.Masked,
		"blocked_requests": counts.Blocked,
		"error_requests":   counts.Errors,
	})
}

func (a *API) metricsEvents(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", "7")
	if days < 1 || days > 30 {
		days = 7
	}
	start := float64(time.Now().AddDate(0, 0, -days).Unix())
	writeJSON(w, http.StatusOK, map[string]any{
		"days":  days,
		"stats": a.events.Stats(start, 0),
	})
}

func (a *API) metricsModels(w http.ResponseWriter, r *http.Request) {
	stats, err := a.audit.ModelStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": stats})
}

func (a *API) metricsQueues(w http.ResponseWriter, r *http.Request) {
	high, normal, low := a.queue.Depths()
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": []map[string]any{
			{"name": "high", "waiting_tasks": high},
			{"name": "normal", "waiting_tasks": normal},
			{"name": "low", "waiting_tasks": low},
		},
		"active_requests": a.queue.Active(),
		"expired":         a.queue.Expired(),
		"processed":       a.queue.Processed(),
	})
}

// --- API keys ---

// redactedKey hides the key material in list responses.
type redactedKey struct {
	Prefix string   `json:"prefix"`
	Info   *KeyInfo `json:"info"`
}

func (a *API) listKeys(w http.ResponseWriter, r *http.Request) {
	var out []redactedKey
	for k, info := range a.keys.List() {
		prefix := k
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		out = append(out, redactedKey{Prefix: prefix + "...", Info: info})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out, "total": len(out)})
}

func (a *API) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
		RateLimit   int      `json:"rate_limit"`
		Models      []string `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	key, err := a.keys.CreateKey(body.Name, body.Permissions, body.RateLimit, body.Models)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key, "name": body.Name})
}

func (a *API) deleteKey(w http.ResponseWriter, r *http.Request) {
	ok, err := a.keys.DeleteKey(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- feedback ---

func (a *API) falsePositiveFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID string `json:"event_id"`
		Reason  string `json:"reason"`
		Contact string `json:"contact"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	// Feedback lands in the event log so reviewers see it next to the
	// block it disputes.
	a.events.Record("", "", "False positive reported", map[string]any{
		"event_id": body.EventID,
		"contact":  body.Contact,
	}, body.Reason)
	a.logger.Info("false positive feedback", "event_id", body.EventID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

// --- health ---

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": a.version})
}

func (a *API) healthStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Snapshot()
	high, normal, low := a.queue.Depths()
	status := "ok"
	if snap.CompileFailures > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                status,
		"version":               a.version,
		"uptime_seconds":        time.Since(a.started).Seconds(),
		"rules_loaded":          len(snap.AllRules()),
		"rule_compile_failures": snap.CompileFailures,
		"rules_loaded_at":       snap.LoadedAt.UTC().Format(time.RFC3339),
		"queue_depths":          map[string]int{"high": high, "normal": normal, "low": low},
		"active_requests":       a.queue.Active(),
		"conversations":         a.tracker.Len(),
	})
}

// --- audit ---

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := a.audit.Query(audit.QueryOpts{
		Status:   r.URL.Query().Get("status"),
		Provider: r.URL.Query().Get("provider"),
		Model:    r.URL.Query().Get("model"),
		Since:    r.URL.Query().Get("since"),
		Limit:    queryInt(r, "limit", "50"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}
