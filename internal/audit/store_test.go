package audit

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), slog.New(slog.NewTextHandler(io.Discard, nil)), 30)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func entry(id, provider, status string) Entry {
	return Entry{
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Client:    "ip:127.0.0.1",
		Provider:  provider,
		Model:     "gpt-4",
		Status:    status,
		LatencyMs: 12,
	}
}

func TestLogAndQuery(t *testing.T) {
	s := testStore(t)
	s.Log(entry("r1", "openai", StatusForwarded))
	s.Log(entry("r2", "openai", StatusBlocked))
	s.Log(entry("r3", "ollama", StatusMasked))
	s.Flush()

	all, err := s.Query(QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}

	blocked, err := s.Query(QueryOpts{Status: StatusBlocked})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != "r2" {
		t.Errorf("blocked = %+v", blocked)
	}

	ollama, err := s.Query(QueryOpts{Provider: "ollama"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ollama) != 1 || ollama[0].Status != StatusMasked {
		t.Errorf("ollama = %+v", ollama)
	}
}

func TestQueryLimit(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 10; i++ {
		s.Log(entry(fmt.Sprintf("r-%d", i), "openai", StatusForwarded))
	}
	s.Flush()

	got, err := s.Query(QueryOpts{Limit: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("entries = %d, want 4", len(got))
	}
}

func TestCounts(t *testing.T) {
	s := testStore(t)
	s.Log(entry("c1", "openai", StatusForwarded))
	s.Log(entry("c2", "openai", StatusForwarded))
	s.Log(entry("c3", "openai", StatusBlocked))
	s.Log(entry("c4", "openai", StatusError))
	s.Flush()

	c, err := s.Counts("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Forwarded != 2 || c.Blocked != 1 || c.Errors != 1 || c.Total != 4 {
		t.Errorf("counts = %+v", c)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	c, err = s.Counts(future)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 0 {
		t.Errorf("future counts = %+v", c)
	}
}

func TestProviderStats(t *testing.T) {
	s := testStore(t)
	s.Log(entry("p1", "openai", StatusForwarded))
	s.Log(entry("p2", "openai", StatusBlocked))
	s.Log(entry("p3", "anthropic", StatusForwarded))
	s.Flush()

	stats, err := s.ProviderStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Provider != "openai" || stats[0].Total != 2 || stats[0].Blocked != 1 {
		t.Errorf("openai stat = %+v", stats[0])
	}
	if stats[0].AvgLatencyMs != 12 {
		t.Errorf("avg latency = %v", stats[0].AvgLatencyMs)
	}
}

func TestRetentionPurge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewStore(path, logger, 30)
	if err != nil {
		t.Fatal(err)
	}
	old := entry("old", "openai", StatusForwarded)
	old.Timestamp = time.Now().AddDate(0, 0, -60).UTC().Format(time.RFC3339)
	s.Log(old)
	s.Log(entry("fresh", "openai", StatusForwarded))
	s.Flush()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening applies retention.
	s, err = NewStore(path, logger, 30)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck // test cleanup

	got, err := s.Query(QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("entries after purge = %+v", got)
	}
}
