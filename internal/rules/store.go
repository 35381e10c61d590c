package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/llmshield/llmshield/internal/safefile"
)

// maxRuleFileBytes caps how large a rule file may be before loading is refused.
const maxRuleFileBytes = 4 << 20 // 4 MB

// Family identifies one rule family file.
type Family string

const (
	FamilyPromptInjection Family = "prompt_injection"
	FamilyJailbreak       Family = "jailbreak"
	FamilyHarmfulContent  Family = "harmful_content"
	FamilyCompliance      Family = "compliance"
)

// Families lists all rule-list families in evaluation declaration order.
var Families = []Family{FamilyPromptInjection, FamilyJailbreak, FamilyHarmfulContent, FamilyCompliance}

// SensitivePattern is one compiled sensitive-info pattern.
type SensitivePattern struct {
	Type    string
	Raw     string
	Pattern *regexp.Regexp
}

// Snapshot is an immutable view of all loaded rules. Detection runs against
// a snapshot; Reload publishes a new one and never mutates a published one.
type Snapshot struct {
	families        map[Family][]*SecurityRule
	byID            map[string]*SecurityRule
	sensitive       []SensitivePattern
	sensitiveRaw    map[string][]string
	CompileFailures int
	LoadedAt        time.Time
}

// Family returns the rules of a family sorted by ascending priority.
func (s *Snapshot) Family(f Family) []*SecurityRule {
	return s.families[f]
}

// RuleByID looks up a rule across all families.
func (s *Snapshot) RuleByID(id string) (*SecurityRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// AllRules returns every rule across all families.
func (s *Snapshot) AllRules() []*SecurityRule {
	var out []*SecurityRule
	for _, f := range Families {
		out = append(out, s.families[f]...)
	}
	return out
}

// Sensitive returns the compiled sensitive-info patterns.
func (s *Snapshot) Sensitive() []SensitivePattern {
	return s.sensitive
}

// SensitiveRaw returns the raw sensitive-info pattern map as stored on disk.
func (s *Snapshot) SensitiveRaw() map[string][]string {
	return s.sensitiveRaw
}

// Store owns the rule files on disk and the current compiled snapshot.
type Store struct {
	paths         map[Family]string
	sensitivePath string
	logger        *slog.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// Paths maps each rule family to its JSON file location.
type Paths struct {
	PromptInjection string
	Jailbreak       string
	HarmfulContent  string
	Compliance      string
	SensitiveInfo   string
}

// NewStore creates a store and performs the initial load, writing default
// rule sets for any family file that does not exist yet.
func NewStore(p Paths, logger *slog.Logger) (*Store, error) {
	s := &Store{
		paths: map[Family]string{
			FamilyPromptInjection: p.PromptInjection,
			FamilyJailbreak:       p.Jailbreak,
			FamilyHarmfulContent:  p.HarmfulContent,
			FamilyCompliance:      p.Compliance,
		},
		sensitivePath: p.SensitiveInfo,
		logger:        logger,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable rule snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Reload re-reads all family files, recompiles, and swaps the snapshot.
// On a read error the previous snapshot stays in place.
func (s *Store) Reload() error {
	snap := &Snapshot{
		families:     make(map[Family][]*SecurityRule, len(Families)),
		byID:         make(map[string]*SecurityRule),
		sensitiveRaw: make(map[string][]string),
		LoadedAt:     time.Now(),
	}

	for _, fam := range Families {
		loaded, failures, err := s.loadFamily(fam)
		if err != nil {
			return fmt.Errorf("loading %s rules: %w", fam, err)
		}
		snap.CompileFailures += failures
		snap.families[fam] = loaded
		for _, r := range loaded {
			snap.byID[r.ID] = r
		}
	}

	raw, compiled, failures, err := s.loadSensitive()
	if err != nil {
		return fmt.Errorf("loading sensitive_info patterns: %w", err)
	}
	snap.CompileFailures += failures
	snap.sensitiveRaw = raw
	snap.sensitive = compiled

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.logger.Info("rules loaded",
		"prompt_injection", len(snap.families[FamilyPromptInjection]),
		"jailbreak", len(snap.families[FamilyJailbreak]),
		"harmful_content", len(snap.families[FamilyHarmfulContent]),
		"compliance", len(snap.families[FamilyCompliance]),
		"sensitive_patterns", len(snap.sensitive),
		"compile_failures", snap.CompileFailures,
	)
	return nil
}

// loadFamily reads one family file. A missing file is seeded with the
// family's default rule set first.
func (s *Store) loadFamily(fam Family) ([]*SecurityRule, int, error) {
	path := s.paths[fam]

	if _, err := os.Lstat(path); os.IsNotExist(err) {
		defaults := defaultFamilyRules(fam)
		if err := s.writeFamilyFile(path, defaults); err != nil {
			return nil, 0, fmt.Errorf("writing default rules: %w", err)
		}
	}

	data, err := safefile.ReadFileMax(path, maxRuleFileBytes)
	if err != nil {
		return nil, 0, err
	}

	var loaded []*SecurityRule
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	failures := 0
	for _, r := range loaded {
		n := r.Compile()
		if n > 0 {
			s.logger.Warn("rule has unparseable patterns, replaced with unmatchable sentinel",
				"rule", r.ID, "failed", n)
			failures += n
		}
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Priority < loaded[j].Priority })
	return loaded, failures, nil
}

func (s *Store) loadSensitive() (map[string][]string, []SensitivePattern, int, error) {
	path := s.sensitivePath

	if _, err := os.Lstat(path); os.IsNotExist(err) {
		if err := s.writeJSONFile(path, defaultSensitivePatterns()); err != nil {
			return nil, nil, 0, fmt.Errorf("writing default patterns: %w", err)
		}
	}

	data, err := safefile.ReadFileMax(path, maxRuleFileBytes)
	if err != nil {
		return nil, nil, 0, err
	}

	raw := make(map[string][]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Deterministic order for evaluation and masking
	types := make([]string, 0, len(raw))
	for t := range raw {
		types = append(types, t)
	}
	sort.Strings(types)

	var compiled []SensitivePattern
	failures := 0
	for _, t := range types {
		for _, p := range raw[t] {
			expr := p
			if !strings.HasPrefix(expr, "(?") {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				s.logger.Warn("sensitive pattern failed to compile, replaced with unmatchable sentinel",
					"type", t, "error", err)
				re = neverMatch
				failures++
			}
			compiled = append(compiled, SensitivePattern{Type: t, Raw: p, Pattern: re})
		}
	}
	return raw, compiled, failures, nil
}

// SaveFamily atomically writes a family's rules and reloads the snapshot.
func (s *Store) SaveFamily(fam Family, ruleList []*SecurityRule) error {
	path, ok := s.paths[fam]
	if !ok {
		return fmt.Errorf("unknown rule family %q", fam)
	}
	if err := s.writeFamilyFile(path, ruleList); err != nil {
		return err
	}
	return s.Reload()
}

// SaveSensitive atomically writes the sensitive pattern map and reloads.
func (s *Store) SaveSensitive(patterns map[string][]string) error {
	if err := s.writeJSONFile(s.sensitivePath, patterns); err != nil {
		return err
	}
	return s.Reload()
}

// FamilyOf returns the family a rule ID belongs to in the current snapshot.
func (s *Store) FamilyOf(id string) (Family, bool) {
	snap := s.Snapshot()
	for _, fam := range Families {
		for _, r := range snap.families[fam] {
			if r.ID == id {
				return fam, true
			}
		}
	}
	return "", false
}

func (s *Store) writeFamilyFile(path string, ruleList []*SecurityRule) error {
	return s.writeJSONFile(path, ruleList)
}

// writeJSONFile writes JSON via a temp file and rename so readers never see
// a partial file.
func (s *Store) writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating rules dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	return safefile.WriteFileAtomic(path, data, 0o644)
}

// Watch reloads rules when any rule file changes on disk and on a periodic
// interval as a fallback. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, refreshInterval time.Duration) {
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("rules watcher unavailable, falling back to interval reload", "error", err)
		watcher = nil
	} else {
		defer func() { _ = watcher.Close() }()
		dirs := make(map[string]bool)
		for _, p := range s.paths {
			dirs[filepath.Dir(p)] = true
		}
		dirs[filepath.Dir(s.sensitivePath)] = true
		for d := range dirs {
			if err := watcher.Add(d); err != nil {
				s.logger.Warn("could not watch rules dir", "dir", d, "error", err)
			}
		}
	}

	// Coalesce bursts of write events into a single reload.
	var pending <-chan time.Time

	for {
		var events chan fsnotify.Event
		var errs chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && s.isRuleFile(ev.Name) {
				pending = time.After(200 * time.Millisecond)
			}
		case err := <-errs:
			s.logger.Warn("rules watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("rules reload failed, keeping previous snapshot", "error", err)
			}
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Error("rules reload failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (s *Store) isRuleFile(name string) bool {
	clean := filepath.Clean(name)
	for _, p := range s.paths {
		if filepath.Clean(p) == clean {
			return true
		}
	}
	return filepath.Clean(s.sensitivePath) == clean
}

func defaultFamilyRules(fam Family) []*SecurityRule {
	switch fam {
	case FamilyPromptInjection:
		return defaultPromptInjectionRules()
	case FamilyJailbreak:
		return defaultJailbreakRules()
	case FamilyHarmfulContent:
		return defaultHarmfulContentRules()
	case FamilyCompliance:
		return defaultComplianceRules()
	}
	return nil
}
