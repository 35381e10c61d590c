package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmshield/llmshield/internal/safefile"
)

const (
	rateLimitWindow   = 60 * time.Second
	defaultRateLimit  = 60
	maxRateFileBytes  = 4 << 20
	rateSaveFrequency = 10
)

// CounterStore counts requests per client within a fixed window. windowStart
// identifies the window; a new windowStart resets the count.
type CounterStore interface {
	// Incr increments the client's counter for the window and returns the
	// new count.
	Incr(ctx context.Context, clientID string, windowStart int64) (int, error)
	Close() error
}

type windowCount struct {
	WindowStart int64 `json:"window_start"`
	Count       int   `json:"count"`
}

// MemoryCounterStore keeps counters in memory and periodically snapshots
// them to a JSON file so restarts do not reset active windows.
type MemoryCounterStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]*windowCount
	writes int
}

// NewMemoryCounterStore loads the snapshot file if present, dropping
// expired windows.
func NewMemoryCounterStore(path string, logger *slog.Logger) *MemoryCounterStore {
	s := &MemoryCounterStore{path: path, logger: logger, counts: make(map[string]*windowCount)}
	if path == "" {
		return s
	}

	data, err := safefile.ReadFileMax(path, maxRateFileBytes)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("rate limit snapshot unreadable, starting fresh", "error", err)
		}
		return s
	}
	var loaded map[string]*windowCount
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warn("rate limit snapshot corrupt, starting fresh", "error", err)
		return s
	}

	cutoff := time.Now().Add(-rateLimitWindow).Unix()
	for client, wc := range loaded {
		if wc.WindowStart >= cutoff {
			s.counts[client] = wc
		}
	}
	return s
}

// Incr implements CounterStore.
func (s *MemoryCounterStore) Incr(_ context.Context, clientID string, windowStart int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc := s.counts[clientID]
	if wc == nil || wc.WindowStart != windowStart {
		wc = &windowCount{WindowStart: windowStart}
		s.counts[clientID] = wc
	}
	wc.Count++

	s.writes++
	if s.path != "" && s.writes%rateSaveFrequency == 0 {
		if err := s.saveLocked(); err != nil {
			s.logger.Warn("persisting rate limit counts failed", "error", err)
		}
	}
	return wc.Count, nil
}

func (s *MemoryCounterStore) saveLocked() error {
	cutoff := time.Now().Add(-rateLimitWindow).Unix()
	live := make(map[string]*windowCount, len(s.counts))
	for client, wc := range s.counts {
		if wc.WindowStart >= cutoff {
			live[client] = wc
		}
	}
	s.counts = live

	data, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return err
	}
	return safefile.WriteFileAtomic(s.path, data, 0o644)
}

// Close writes a final snapshot.
func (s *MemoryCounterStore) Close() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// RedisCounterStore counts in Redis so multiple gateway instances share
// windows.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects to Redis at addr.
func NewRedisCounterStore(addr string) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCounterStore{client: client}, nil
}

// Incr implements CounterStore. Keys expire two windows after creation so
// stale windows clean themselves up.
func (s *RedisCounterStore) Incr(ctx context.Context, clientID string, windowStart int64) (int, error) {
	key := fmt.Sprintf("llmshield:ratelimit:%s:%d", clientID, windowStart)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*rateLimitWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

// RateInfo describes the state of a client's current window.
type RateInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Used      int   `json:"used"`
}

// RateLimiter enforces a fixed 60 second window per client. Per-key limits
// from the key manager override the default.
type RateLimiter struct {
	store  CounterStore
	keys   *APIKeyManager
	limit  int
	logger *slog.Logger
}

// NewRateLimiter creates a limiter over the given counter store. keys may
// be nil, in which case every client gets the default limit.
func NewRateLimiter(store CounterStore, keys *APIKeyManager, defaultLimit int, logger *slog.Logger) *RateLimiter {
	if defaultLimit <= 0 {
		defaultLimit = defaultRateLimit
	}
	return &RateLimiter{store: store, keys: keys, limit: defaultLimit, logger: logger}
}

// clientID derives the rate limit bucket for a request: the API key when
// present, the client IP otherwise.
func clientID(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "api_key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Allow increments the client's counter and reports whether the request is
// within limit. On counter store failure the request is allowed.
func (rl *RateLimiter) Allow(ctx context.Context, r *http.Request) (bool, RateInfo) {
	limit := rl.limit
	key := ExtractAPIKey(r)
	if key != "" && rl.keys != nil {
		if kl := rl.keys.RateLimit(key); kl > 0 {
			limit = kl
		}
	}

	now := time.Now()
	windowStart := now.Truncate(rateLimitWindow).Unix()
	info := RateInfo{Limit: limit, Reset: windowStart + int64(rateLimitWindow/time.Second)}

	count, err := rl.store.Incr(ctx, clientID(r), windowStart)
	if err != nil {
		// Counting failure must not take the gateway down.
		rl.logger.Error("rate limit counter failed", "error", err)
		info.Remaining = limit
		return true, info
	}

	info.Used = count
	info.Remaining = max(0, limit-count)
	return count <= limit, info
}

// setRateHeaders writes the standard X-RateLimit headers.
func setRateHeaders(w http.ResponseWriter, info RateInfo) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset, 10))
	w.Header().Set("X-RateLimit-Used", strconv.Itoa(info.Used))
}
