package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level llmshield configuration.
type Config struct {
	Version      string                    `yaml:"version"`
	Environment  string                    `yaml:"environment"`
	DataDir      string                    `yaml:"data_dir"`
	Proxy        ProxyConfig               `yaml:"proxy"`
	Security     SecurityConfig            `yaml:"security"`
	Rules        RulesConfig               `yaml:"rules"`
	Monitor      MonitorConfig             `yaml:"monitor"`
	Audit        AuditConfig               `yaml:"audit"`
	Web          WebConfig                 `yaml:"web"`
	LLMProviders map[string]ProviderConfig `yaml:"llm_providers"`
}

// ProxyConfig holds proxy server and queue settings.
type ProxyConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	LogLevel              string `yaml:"log_level"`
	TimeoutS              int    `yaml:"timeout"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	RequestQueueSize      int    `yaml:"request_queue_size"`
	Workers               int    `yaml:"workers"`
}

// SecurityConfig holds detection, masking, and auth settings.
type SecurityConfig struct {
	PromptInjectionRulesPath     string `yaml:"prompt_injection_rules_path"`
	JailbreakRulesPath           string `yaml:"jailbreak_rules_path"`
	HarmfulContentRulesPath      string `yaml:"harmful_content_rules_path"`
	ComplianceRulesPath          string `yaml:"compliance_rules_path"`
	SensitiveInfoPatternsPath    string `yaml:"sensitive_info_patterns_path"`
	APIKeysPath                  string `yaml:"api_keys_path"`
	RateLimitPath                string `yaml:"rate_limit_path"`
	MaxPromptLength              int    `yaml:"max_prompt_length"`
	MaxResponseLength            int    `yaml:"max_response_length"`
	EnableAPIAuth                bool   `yaml:"enable_api_auth"`
	EnableRateLimiting           bool   `yaml:"enable_rate_limiting"`
	EnableContentMasking         bool   `yaml:"enable_content_masking"`
	EnableContextAwareDetection  bool   `yaml:"enable_context_aware_detection"`
	EnableModelSpecificDetection bool   `yaml:"enable_model_specific_detection"`
	CustomRulesDir               string `yaml:"custom_rules_dir,omitempty"`
	RateLimitRedisAddr           string `yaml:"rate_limit_redis_addr,omitempty"`
	ConversationTTLS             int    `yaml:"conversation_ttl"`
}

// RulesConfig configures the rule store.
type RulesConfig struct {
	RulesPath            string `yaml:"rules_path"`
	RulesRefreshInterval int    `yaml:"rules_refresh_interval"`
	RulesCacheSize       int    `yaml:"rules_cache_size"`
}

// MonitorConfig configures metrics collection.
type MonitorConfig struct {
	MetricsInterval int                `yaml:"metrics_interval"`
	PrometheusPort  int                `yaml:"prometheus_port"`
	AlertThresholds map[string]float64 `yaml:"alert_thresholds,omitempty"`
}

// AuditConfig configures the request audit trail.
type AuditConfig struct {
	AuditLogPath      string `yaml:"audit_log_path"`
	AuditLogRetention int    `yaml:"audit_log_retention"`
	AuditLogFormat    string `yaml:"audit_log_format"`
}

// WebConfig configures the management API surface.
type WebConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	SecretKey          string `yaml:"secret_key,omitempty"`
	TokenExpireMinutes int    `yaml:"token_expire_minutes"`
}

// ProviderConfig is a single upstream LLM provider endpoint.
type ProviderConfig struct {
	APIBase  string `yaml:"api_base"`
	TimeoutS int    `yaml:"timeout"`
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version:     "1",
		Environment: "production",
		DataDir:     "data",
		Proxy: ProxyConfig{
			Host:                  "127.0.0.1",
			Port:                  8000,
			LogLevel:              "info",
			TimeoutS:              30,
			MaxConcurrentRequests: 100,
			RequestQueueSize:      1000,
			Workers:               10,
		},
		Security: SecurityConfig{
			PromptInjectionRulesPath:     "rules/prompt_injection.json",
			JailbreakRulesPath:           "rules/jailbreak.json",
			HarmfulContentRulesPath:      "rules/harmful_content.json",
			ComplianceRulesPath:          "rules/compliance.json",
			SensitiveInfoPatternsPath:    "rules/sensitive_info.json",
			APIKeysPath:                  "api_keys.json",
			RateLimitPath:                "rate_limit.json",
			MaxPromptLength:              4096,
			MaxResponseLength:            8192,
			EnableAPIAuth:                true,
			EnableRateLimiting:           true,
			EnableContentMasking:         true,
			EnableContextAwareDetection:  true,
			EnableModelSpecificDetection: true,
			ConversationTTLS:             1800,
		},
		Rules: RulesConfig{
			RulesPath:            "rules",
			RulesRefreshInterval: 60,
			RulesCacheSize:       1000,
		},
		Monitor: MonitorConfig{
			MetricsInterval: 10,
			PrometheusPort:  9090,
		},
		Audit: AuditConfig{
			AuditLogPath:      "audit.db",
			AuditLogRetention: 30,
			AuditLogFormat:    "json",
		},
		Web: WebConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			TokenExpireMinutes: 60,
		},
		LLMProviders: map[string]ProviderConfig{
			"openai":    {APIBase: "https://api.openai.com/v1", TimeoutS: 30},
			"anthropic": {APIBase: "https://api.anthropic.com", TimeoutS: 30},
			"ollama":    {APIBase: "http://localhost:11434", TimeoutS: 30},
		},
	}
}

// Load reads and parses a config file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the default config with environment overrides applied.
func FromEnv() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// applyEnv overrides individual fields from prefixed environment variables,
// e.g. PROXY_PORT, SECURITY_ENABLE_API_AUTH, RULES_RULES_PATH.
func (c *Config) applyEnv() {
	envStr("DATA_DIR", &c.DataDir)
	envStr("ENVIRONMENT", &c.Environment)

	envStr("PROXY_HOST", &c.Proxy.Host)
	envInt("PROXY_PORT", &c.Proxy.Port)
	envStr("PROXY_LOG_LEVEL", &c.Proxy.LogLevel)
	envInt("PROXY_TIMEOUT", &c.Proxy.TimeoutS)
	envInt("PROXY_MAX_CONCURRENT_REQUESTS", &c.Proxy.MaxConcurrentRequests)
	envInt("PROXY_REQUEST_QUEUE_SIZE", &c.Proxy.RequestQueueSize)
	envInt("PROXY_WORKERS", &c.Proxy.Workers)

	envStr("SECURITY_PROMPT_INJECTION_RULES_PATH", &c.Security.PromptInjectionRulesPath)
	envStr("SECURITY_JAILBREAK_RULES_PATH", &c.Security.JailbreakRulesPath)
	envStr("SECURITY_HARMFUL_CONTENT_RULES_PATH", &c.Security.HarmfulContentRulesPath)
	envStr("SECURITY_COMPLIANCE_RULES_PATH", &c.Security.ComplianceRulesPath)
	envStr("SECURITY_SENSITIVE_INFO_PATTERNS_PATH", &c.Security.SensitiveInfoPatternsPath)
	envStr("SECURITY_API_KEYS_PATH", &c.Security.APIKeysPath)
	envStr("SECURITY_RATE_LIMIT_PATH", &c.Security.RateLimitPath)
	envInt("SECURITY_MAX_PROMPT_LENGTH", &c.Security.MaxPromptLength)
	envInt("SECURITY_MAX_RESPONSE_LENGTH", &c.Security.MaxResponseLength)
	envBool("SECURITY_ENABLE_API_AUTH", &c.Security.EnableAPIAuth)
	envBool("SECURITY_ENABLE_RATE_LIMITING", &c.Security.EnableRateLimiting)
	envBool("SECURITY_ENABLE_CONTENT_MASKING", &c.Security.EnableContentMasking)
	envBool("SECURITY_ENABLE_CONTEXT_AWARE_DETECTION", &c.Security.EnableContextAwareDetection)
	envBool("SECURITY_ENABLE_MODEL_SPECIFIC_DETECTION", &c.Security.EnableModelSpecificDetection)
	envStr("SECURITY_CUSTOM_RULES_DIR", &c.Security.CustomRulesDir)
	envStr("SECURITY_RATE_LIMIT_REDIS_ADDR", &c.Security.RateLimitRedisAddr)
	envInt("SECURITY_CONVERSATION_TTL", &c.Security.ConversationTTLS)

	envStr("RULES_RULES_PATH", &c.Rules.RulesPath)
	envInt("RULES_RULES_REFRESH_INTERVAL", &c.Rules.RulesRefreshInterval)
	envInt("RULES_RULES_CACHE_SIZE", &c.Rules.RulesCacheSize)

	envInt("MONITOR_METRICS_INTERVAL", &c.Monitor.MetricsInterval)
	envInt("MONITOR_PROMETHEUS_PORT", &c.Monitor.PrometheusPort)

	envStr("AUDIT_AUDIT_LOG_PATH", &c.Audit.AuditLogPath)
	envInt("AUDIT_AUDIT_LOG_RETENTION", &c.Audit.AuditLogRetention)
	envStr("AUDIT_AUDIT_LOG_FORMAT", &c.Audit.AuditLogFormat)

	envStr("WEB_HOST", &c.Web.Host)
	envInt("WEB_PORT", &c.Web.Port)
	envStr("WEB_SECRET_KEY", &c.Web.SecretKey)
	envInt("WEB_TOKEN_EXPIRE_MINUTES", &c.Web.TokenExpireMinutes)
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if c.Proxy.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be positive, got %d", c.Proxy.MaxConcurrentRequests)
	}
	if c.Proxy.RequestQueueSize < 1 {
		return fmt.Errorf("request_queue_size must be positive, got %d", c.Proxy.RequestQueueSize)
	}
	if c.Proxy.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Proxy.Workers)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for name, p := range c.LLMProviders {
		if p.APIBase == "" {
			return fmt.Errorf("provider %q has no api_base", name)
		}
	}
	return nil
}

// RulesDir returns the rules directory resolved under the data directory.
func (c *Config) RulesDir() string {
	return c.resolve(c.Rules.RulesPath)
}

// FamilyRulePath returns the resolved path of a rule family file.
func (c *Config) FamilyRulePath(rel string) string {
	return c.resolve(rel)
}

// EventsPath returns the resolved security-event log path.
func (c *Config) EventsPath() string {
	return filepath.Join(c.DataDir, "security_events", "events.json")
}

// APIKeysPath returns the resolved API key file path.
func (c *Config) APIKeysPath() string {
	return c.resolve(c.Security.APIKeysPath)
}

// RateLimitPath returns the resolved rate-limit snapshot path.
func (c *Config) RateLimitPath() string {
	return c.resolve(c.Security.RateLimitPath)
}

// AuditPath returns the resolved audit database path.
func (c *Config) AuditPath() string {
	return c.resolve(c.Audit.AuditLogPath)
}

// ProviderTimeout returns the configured timeout for a provider, or the
// 60s default when the provider is unknown or has no timeout set.
func (c *Config) ProviderTimeout(provider string) int {
	if p, ok := c.LLMProviders[provider]; ok && p.TimeoutS > 0 {
		return p.TimeoutS
	}
	return 60
}

func (c *Config) resolve(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.DataDir, rel)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
