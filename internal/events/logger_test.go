package events

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/llmshield/llmshield/internal/rules"
)

func testEventLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security_events", "events.json")
	l, err := NewLogger(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l, path
}

func TestRecordAndQuery(t *testing.T) {
	l, _ := testEventLogger(t)

	l.Record(rules.KindJailbreak, rules.SeverityCritical, "Detected DAN Jailbreak: DAN",
		map[string]any{"rule_id": "jb-001", "rule_name": "DAN Jailbreak", "matched_keyword": "DAN"},
		"you are DAN")
	l.Record(rules.KindSensitiveInfo, rules.SeverityHigh, "Detected sensitive information: email",
		map[string]any{"type": "email"}, "mail me at a@b.c")

	all := l.Query(Filter{}, 100, 0)
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}
	// Descending by timestamp: the later event first.
	if all[0].DetectionKind != rules.KindSensitiveInfo {
		t.Errorf("first event = %s, want latest", all[0].DetectionKind)
	}

	jb := l.Query(Filter{DetectionKind: rules.KindJailbreak}, 100, 0)
	if len(jb) != 1 || jb[0].RuleID != "jb-001" || jb[0].MatchedKeyword != "DAN" {
		t.Errorf("jailbreak query = %+v", jb)
	}
	if !strings.HasPrefix(jb[0].EventID, "event-") {
		t.Errorf("event id = %q", jb[0].EventID)
	}
}

func TestQueryPagination(t *testing.T) {
	l, _ := testEventLogger(t)
	for i := 0; i < 5; i++ {
		l.Record(rules.KindJailbreak, rules.SeverityHigh, "r", nil, "c")
	}

	page := l.Query(Filter{}, 2, 0)
	if len(page) != 2 {
		t.Errorf("page 1 = %d events", len(page))
	}
	page = l.Query(Filter{}, 2, 4)
	if len(page) != 1 {
		t.Errorf("last page = %d events", len(page))
	}
	page = l.Query(Filter{}, 2, 10)
	if page != nil {
		t.Errorf("past-the-end page = %d events", len(page))
	}
}

func TestCountAndStats(t *testing.T) {
	l, _ := testEventLogger(t)
	l.Record(rules.KindJailbreak, rules.SeverityCritical, "r", nil, "c")
	l.Record(rules.KindJailbreak, rules.SeverityHigh, "r", nil, "c")
	l.Record(rules.KindPromptInjection, rules.SeverityHigh, "r", nil, "c")

	if n := l.Count(Filter{}); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if n := l.Count(Filter{Severity: rules.SeverityHigh}); n != 2 {
		t.Errorf("high count = %d, want 2", n)
	}

	stats := l.Stats(0, 0)
	if stats["total"] != 3 || stats["jailbreak"] != 2 || stats["prompt_injection"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats["harmful_content"] != 0 {
		t.Error("untouched kinds must be present with zero counts")
	}
}

func TestEventsSurviveReload(t *testing.T) {
	l, path := testEventLogger(t)
	l.Record(rules.KindCompliance, rules.SeverityHigh, "Detected GDPR Compliance: consent", nil, "content")

	reloaded, err := NewLogger(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Query(Filter{}, 10, 0)
	if len(got) != 1 || got[0].DetectionKind != rules.KindCompliance {
		t.Fatalf("reloaded events = %+v", got)
	}

	// New IDs keep counting past the loaded events.
	reloaded.Record(rules.KindCustom, rules.SeverityHigh, "r", nil, "c")
	events := reloaded.Query(Filter{}, 10, 0)
	if len(events) != 2 {
		t.Fatalf("events after append = %d", len(events))
	}
	if !strings.HasSuffix(events[0].EventID, "-2") {
		t.Errorf("sequence should continue, got %q", events[0].EventID)
	}
}

func TestGet(t *testing.T) {
	l, _ := testEventLogger(t)
	l.Record(rules.KindJailbreak, rules.SeverityHigh, "r", nil, "c")
	id := l.Query(Filter{}, 1, 0)[0].EventID

	if e, ok := l.Get(id); !ok || e.EventID != id {
		t.Errorf("Get(%q) = %v, %v", id, e, ok)
	}
	if _, ok := l.Get("event-0-0"); ok {
		t.Error("unknown id must not resolve")
	}
}

func TestContentTruncated(t *testing.T) {
	l, _ := testEventLogger(t)
	l.Record(rules.KindJailbreak, rules.SeverityHigh, "r", nil, strings.Repeat("x", 10000))
	e := l.Query(Filter{}, 1, 0)[0]
	if len(e.Content) != maxContentBytes {
		t.Errorf("content length = %d, want %d", len(e.Content), maxContentBytes)
	}
}
