// Package events persists security events (blocked requests and responses)
// to a JSON file and serves filtered, paginated queries over them. Single
// process only; the file is rewritten atomically on every append.
package events

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

const maxEventsFileBytes = 64 << 20

// maxContentBytes caps how much triggering content is stored per event.
const maxContentBytes = 2048

// SecurityEvent is one recorded detection.
type SecurityEvent struct {
	EventID        string              `json:"event_id"`
	Timestamp      float64             `json:"timestamp"`
	DetectionKind  rules.DetectionKind `json:"detection_type,omitempty"`
	Severity       rules.Severity      `json:"severity,omitempty"`
	Reason         string              `json:"reason"`
	Details        map[string]any      `json:"details,omitempty"`
	Content        string              `json:"content"`
	RuleID         string              `json:"rule_id,omitempty"`
	RuleName       string              `json:"rule_name,omitempty"`
	MatchedPattern string              `json:"matched_pattern,omitempty"`
	MatchedText    string              `json:"matched_text,omitempty"`
	MatchedKeyword string              `json:"matched_keyword,omitempty"`
}

// Filter narrows queries. Zero values mean "no constraint".
type Filter struct {
	StartTime     float64
	EndTime       float64
	DetectionKind rules.DetectionKind
	Severity      rules.Severity
}

func (f Filter) matches(e *SecurityEvent) bool {
	if f.StartTime != 0 && e.Timestamp < f.StartTime {
		return false
	}
	if f.EndTime != 0 && e.Timestamp > f.EndTime {
		return false
	}
	if f.DetectionKind != "" && e.DetectionKind != f.DetectionKind {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}

// Logger is the event store. Appends update the in-memory list first, so
// queries stay consistent for the process lifetime even when the disk write
// fails.
type Logger struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	events []*SecurityEvent
	seq    int
}

// NewLogger loads (or creates) the events file.
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	l := &Logger{path: path, logger: logger}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating events dir: %w", err)
	}
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		if err := safefile.WriteFileAtomic(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("creating events file: %w", err)
		}
		return l, nil
	}

	data, err := safefile.ReadFileMax(path, maxEventsFileBytes)
	if err != nil {
		return nil, fmt.Errorf("reading events file: %w", err)
	}
	if err := json.Unmarshal(data, &l.events); err != nil {
		return nil, fmt.Errorf("parsing events file: %w", err)
	}
	l.seq = len(l.events)
	logger.Info("security events loaded", "count", len(l.events))
	return l, nil
}

// Record implements the detector's event sink: one event per blocking
// verdict.
func (l *Logger) Record(kind rules.DetectionKind, severity rules.Severity, reason string, details map[string]any, content string) {
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := &SecurityEvent{
		EventID:       fmt.Sprintf("event-%d-%d", time.Now().Unix(), l.seq),
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		DetectionKind: kind,
		Severity:      severity,
		Reason:        reason,
		Details:       details,
		Content:       content,
	}
	if details != nil {
		e.RuleID, _ = details["rule_id"].(string)
		e.RuleName, _ = details["rule_name"].(string)
		e.MatchedPattern, _ = details["matched_pattern"].(string)
		e.MatchedText, _ = details["matched_text"].(string)
		e.MatchedKeyword, _ = details["matched_keyword"].(string)
	}
	l.events = append(l.events, e)

	if err := l.saveLocked(); err != nil {
		// Keep the in-memory event; queries stay consistent until restart.
		l.logger.Error("persisting security event failed", "event", e.EventID, "error", err)
	}
}

func (l *Logger) saveLocked() error {
	data, err := json.MarshalIndent(l.events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}
	return safefile.WriteFileAtomic(l.path, data, 0o644)
}

// Query returns matching events sorted by timestamp descending, paginated
// by offset and limit.
func (l *Logger) Query(f Filter, limit, offset int) []*SecurityEvent {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	// Collect newest-first so equal timestamps keep append order under the
	// stable sort.
	l.mu.RLock()
	var filtered []*SecurityEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		if f.matches(l.events[i]) {
			filtered = append(filtered, l.events[i])
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Timestamp > filtered[j].Timestamp })

	if offset >= len(filtered) {
		return nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end]
}

// Get looks up one event by ID.
func (l *Logger) Get(eventID string) (*SecurityEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.events {
		if e.EventID == eventID {
			return e, true
		}
	}
	return nil, false
}

// Count returns the number of events matching the filter.
func (l *Logger) Count(f Filter) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.events {
		if f.matches(e) {
			n++
		}
	}
	return n
}

// Stats aggregates event counts per detection kind within a time range,
// plus a "total" entry.
func (l *Logger) Stats(startTime, endTime float64) map[string]int {
	stats := map[string]int{
		string(rules.KindPromptInjection): 0,
		string(rules.KindJailbreak):       0,
		string(rules.KindRolePlay):        0,
		string(rules.KindSensitiveInfo):   0,
		string(rules.KindHarmfulContent):  0,
		string(rules.KindCompliance):      0,
		string(rules.KindCustom):          0,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	f := Filter{StartTime: startTime, EndTime: endTime}
	for _, e := range l.events {
		if !f.matches(e) {
			continue
		}
		total++
		if e.DetectionKind != "" {
			stats[string(e.DetectionKind)]++
		}
	}
	stats["total"] = total
	return stats
}
