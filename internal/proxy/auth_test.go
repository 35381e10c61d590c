package proxy

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKeyManager(t *testing.T) (*APIKeyManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api_keys.json")
	m, err := NewAPIKeyManager(path, testLogger())
	if err != nil {
		t.Fatalf("NewAPIKeyManager: %v", err)
	}
	return m, path
}

func TestFirstRunSeedsAdminKey(t *testing.T) {
	m, path := testKeyManager(t)

	list := m.List()
	if len(list) != 1 {
		t.Fatalf("len(List()) = %d, want 1", len(list))
	}
	for key, info := range list {
		if !strings.HasPrefix(key, "admin_") {
			t.Errorf("seeded key = %q, want admin_ prefix", key)
		}
		if info.Name != "Default Admin Key" {
			t.Errorf("Name = %q, want Default Admin Key", info.Name)
		}
		if len(info.Permissions) != 1 || info.Permissions[0] != "*" {
			t.Errorf("Permissions = %v, want [*]", info.Permissions)
		}
		if info.RateLimit != 100 {
			t.Errorf("RateLimit = %d, want 100", info.RateLimit)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("key file not written: %v", err)
	}

	// Reopening must load the seeded key, not mint another.
	m2, err := NewAPIKeyManager(path, testLogger())
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if len(m2.List()) != 1 {
		t.Errorf("len(List()) after reopen = %d, want 1", len(m2.List()))
	}
}

func TestCreateValidateDelete(t *testing.T) {
	m, _ := testKeyManager(t)

	key, err := m.CreateKey("ci-bot", nil, 0, nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if !m.Validate(key) {
		t.Error("Validate(created key) = false")
	}

	info, ok := m.Info(key)
	if !ok {
		t.Fatal("Info(created key) not found")
	}
	if len(info.Permissions) != 1 || info.Permissions[0] != "chat" {
		t.Errorf("default Permissions = %v, want [chat]", info.Permissions)
	}
	if info.RateLimit != 60 {
		t.Errorf("default RateLimit = %d, want 60", info.RateLimit)
	}
	if len(info.Models) != 1 || info.Models[0] != "*" {
		t.Errorf("default Models = %v, want [*]", info.Models)
	}

	ok, err = m.DeleteKey(key)
	if err != nil || !ok {
		t.Fatalf("DeleteKey = %v, %v, want true, nil", ok, err)
	}
	if m.Validate(key) {
		t.Error("Validate(deleted key) = true")
	}
	ok, err = m.DeleteKey(key)
	if err != nil || ok {
		t.Errorf("DeleteKey(missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestPermissionAndModelChecks(t *testing.T) {
	m, _ := testKeyManager(t)

	key, err := m.CreateKey("restricted", []string{"chat"}, 10, []string{"llama3"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if !m.CheckPermission(key, "chat") {
		t.Error("CheckPermission(chat) = false")
	}
	if m.CheckPermission(key, "admin") {
		t.Error("CheckPermission(admin) = true for restricted key")
	}
	if !m.CheckModelAccess(key, "llama3") {
		t.Error("CheckModelAccess(llama3) = false")
	}
	if m.CheckModelAccess(key, "gpt-4") {
		t.Error("CheckModelAccess(gpt-4) = true for restricted key")
	}
	if m.CheckPermission("no-such-key", "chat") {
		t.Error("CheckPermission(unknown key) = true")
	}

	if got := m.RateLimit(key); got != 10 {
		t.Errorf("RateLimit = %d, want 10", got)
	}
	if got := m.RateLimit("no-such-key"); got != 0 {
		t.Errorf("RateLimit(unknown) = %d, want 0", got)
	}
}

func TestExtractAPIKeyOrder(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/rules?api_key=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "api_key", Value: "from-cookie"})

	if got := ExtractAPIKey(r); got != "from-query" {
		t.Errorf("query extraction = %q, want from-query", got)
	}

	r.Header.Set("Authorization", "Bearer from-bearer")
	if got := ExtractAPIKey(r); got != "from-bearer" {
		t.Errorf("bearer extraction = %q, want from-bearer", got)
	}

	r.Header.Set("X-API-Key", "from-header")
	if got := ExtractAPIKey(r); got != "from-header" {
		t.Errorf("header extraction = %q, want from-header", got)
	}
}

func TestExtractAPIKeyCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/rules", nil)
	if got := ExtractAPIKey(r); got != "" {
		t.Errorf("extraction with no credentials = %q, want empty", got)
	}
	r.AddCookie(&http.Cookie{Name: "api_key", Value: "from-cookie"})
	if got := ExtractAPIKey(r); got != "from-cookie" {
		t.Errorf("cookie extraction = %q, want from-cookie", got)
	}
}
