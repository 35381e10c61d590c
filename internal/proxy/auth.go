package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmshield/llmshield/internal/safefile"
)

const maxKeysFileBytes = 4 << 20

// KeyInfo describes one API key. The wildcard "*" in Permissions or Models
// grants everything.
type KeyInfo struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	CreatedAt   float64  `json:"created_at"`
	RateLimit   int      `json:"rate_limit"`
	Models      []string `json:"models"`
}

// APIKeyManager stores API keys in a JSON file keyed by the key string.
type APIKeyManager struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[string]*KeyInfo
}

// NewAPIKeyManager loads the key file, creating it with a default admin key
// on first run.
func NewAPIKeyManager(path string, logger *slog.Logger) (*APIKeyManager, error) {
	m := &APIKeyManager{path: path, logger: logger, keys: make(map[string]*KeyInfo)}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		key := "admin_" + uuid.New().String()
		m.keys[key] = &KeyInfo{
			Name:        "Default Admin Key",
			Permissions: []string{"*"},
			CreatedAt:   float64(time.Now().UnixNano()) / 1e9,
			RateLimit:   100,
			Models:      []string{"*"},
		}
		if err := m.saveLocked(); err != nil {
			return nil, fmt.Errorf("creating key file: %w", err)
		}
		logger.Info("created default admin API key", "key", key)
		return m, nil
	}

	data, err := safefile.ReadFileMax(path, maxKeysFileBytes)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if err := json.Unmarshal(data, &m.keys); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	logger.Info("API keys loaded", "count", len(m.keys))
	return m, nil
}

func (m *APIKeyManager) saveLocked() error {
	data, err := json.MarshalIndent(m.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling keys: %w", err)
	}
	return safefile.WriteFileAtomic(m.path, data, 0o600)
}

// CreateKey mints a new key with the given attributes and persists it.
func (m *APIKeyManager) CreateKey(name string, permissions []string, rateLimit int, models []string) (string, error) {
	if len(permissions) == 0 {
		permissions = []string{"chat"}
	}
	if rateLimit <= 0 {
		rateLimit = 60
	}
	if len(models) == 0 {
		models = []string{"*"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := uuid.New().String()
	m.keys[key] = &KeyInfo{
		Name:        name,
		Permissions: permissions,
		CreatedAt:   float64(time.Now().UnixNano()) / 1e9,
		RateLimit:   rateLimit,
		Models:      models,
	}
	if err := m.saveLocked(); err != nil {
		delete(m.keys, key)
		return "", err
	}
	m.logger.Info("API key created", "name", name)
	return key, nil
}

// DeleteKey removes a key. Returns false if the key did not exist.
func (m *APIKeyManager) DeleteKey(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	delete(m.keys, key)
	if err := m.saveLocked(); err != nil {
		m.keys[key] = info
		return false, err
	}
	m.logger.Info("API key deleted", "name", info.Name)
	return true, nil
}

// Validate reports whether the key exists.
func (m *APIKeyManager) Validate(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok
}

// Info returns the key's attributes.
func (m *APIKeyManager) Info(key string) (*KeyInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.keys[key]
	return info, ok
}

// List returns all keys with their attributes. Key strings are the map keys;
// callers decide whether to redact them.
func (m *APIKeyManager) List() map[string]*KeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*KeyInfo, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out
}

// CheckPermission reports whether the key grants the named permission.
func (m *APIKeyManager) CheckPermission(key, permission string) bool {
	info, ok := m.Info(key)
	if !ok {
		return false
	}
	for _, p := range info.Permissions {
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// CheckModelAccess reports whether the key may use the given model.
func (m *APIKeyManager) CheckModelAccess(key, model string) bool {
	info, ok := m.Info(key)
	if !ok {
		return false
	}
	for _, mo := range info.Models {
		if mo == "*" || mo == model {
			return true
		}
	}
	return false
}

// RateLimit returns the key's per-minute rate limit, or 0 when the key is
// unknown or carries no override.
func (m *APIKeyManager) RateLimit(key string) int {
	info, ok := m.Info(key)
	if !ok {
		return 0
	}
	return info.RateLimit
}

// ExtractAPIKey pulls the API key from the request, checking the X-API-Key
// header, the Authorization bearer token, the api_key query parameter, and
// the api_key cookie, in that order.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return auth[len("Bearer "):]
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	if c, err := r.Cookie("api_key"); err == nil {
		return c.Value
	}
	return ""
}
