package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `
version: "1"
data_dir: /var/lib/llmshield
proxy:
  port: 9090
  log_level: debug
security:
  enable_api_auth: false
llm_providers:
  openai:
    api_base: https://api.openai.com/v1
    timeout: 45
`
	dir := t.TempDir()
	path := filepath.Join(dir, "llmshield.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Proxy.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Proxy.Port)
	}
	if cfg.Proxy.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.Proxy.LogLevel)
	}
	if cfg.Security.EnableAPIAuth {
		t.Error("enable_api_auth should be false")
	}
	if cfg.DataDir != "/var/lib/llmshield" {
		t.Errorf("data_dir = %q, want /var/lib/llmshield", cfg.DataDir)
	}
	// Unset fields keep their defaults.
	if !cfg.Security.EnableContentMasking {
		t.Error("enable_content_masking should default to true")
	}
	if cfg.LLMProviders["openai"].TimeoutS != 45 {
		t.Errorf("openai timeout = %d, want 45", cfg.LLMProviders["openai"].TimeoutS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load(missing file) should error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Proxy.Port != 8000 {
		t.Errorf("default port = %d, want 8000", cfg.Proxy.Port)
	}
	if !cfg.Security.EnableAPIAuth {
		t.Error("default enable_api_auth should be true")
	}
	if cfg.Proxy.RequestQueueSize != 1000 {
		t.Errorf("default request_queue_size = %d, want 1000", cfg.Proxy.RequestQueueSize)
	}
	for _, name := range []string{"openai", "anthropic", "ollama"} {
		if _, ok := cfg.LLMProviders[name]; !ok {
			t.Errorf("default providers missing %q", name)
		}
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PROXY_PORT", "9999")
	t.Setenv("SECURITY_ENABLE_RATE_LIMITING", "false")
	t.Setenv("DATA_DIR", "/tmp/shield-data")

	cfg := FromEnv()
	if cfg.Proxy.Port != 9999 {
		t.Errorf("PROXY_PORT override = %d, want 9999", cfg.Proxy.Port)
	}
	if cfg.Security.EnableRateLimiting {
		t.Error("SECURITY_ENABLE_RATE_LIMITING=false not applied")
	}
	if cfg.DataDir != "/tmp/shield-data" {
		t.Errorf("DATA_DIR override = %q, want /tmp/shield-data", cfg.DataDir)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg = Defaults()
	cfg.Proxy.Port = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative port should be invalid")
	}

	cfg = Defaults()
	cfg.Proxy.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero workers should be invalid")
	}

	cfg = Defaults()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty data_dir should be invalid")
	}

	cfg = Defaults()
	cfg.LLMProviders["broken"] = ProviderConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("provider without api_base should be invalid")
	}
}

func TestPathResolution(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/srv/llmshield"

	if got := cfg.APIKeysPath(); got != "/srv/llmshield/api_keys.json" {
		t.Errorf("APIKeysPath = %q", got)
	}
	if got := cfg.AuditPath(); got != "/srv/llmshield/audit.db" {
		t.Errorf("AuditPath = %q", got)
	}
	if got := cfg.EventsPath(); got != "/srv/llmshield/security_events/events.json" {
		t.Errorf("EventsPath = %q", got)
	}

	// Absolute paths win over the data dir.
	cfg.Audit.AuditLogPath = "/var/log/shield/audit.db"
	if got := cfg.AuditPath(); got != "/var/log/shield/audit.db" {
		t.Errorf("absolute AuditPath = %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmshield.yaml")
	cfg := Defaults()
	cfg.Proxy.Port = 8123

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Proxy.Port != 8123 {
		t.Errorf("round-tripped port = %d, want 8123", loaded.Proxy.Port)
	}
}

func TestProviderTimeout(t *testing.T) {
	cfg := Defaults()
	if got := cfg.ProviderTimeout("openai"); got != 30 {
		t.Errorf("ProviderTimeout(openai) = %d, want 30", got)
	}
	if got := cfg.ProviderTimeout("unknown"); got != 60 {
		t.Errorf("ProviderTimeout(unknown) = %d, want 60", got)
	}
}
