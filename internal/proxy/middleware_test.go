package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateMiddleware(t *testing.T) {
	keys, _ := testKeyManager(t)
	key, err := keys.CreateKey("tester", nil, 0, nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	h := authenticate(keys)(okHandler())

	r := httptest.NewRequest("GET", "/api/v1/rules", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	r = httptest.NewRequest("GET", "/api/v1/rules", nil)
	r.Header.Set("X-API-Key", "bogus")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d, want 401", w.Code)
	}

	r = httptest.NewRequest("GET", "/api/v1/rules", nil)
	r.Header.Set("X-API-Key", key)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
}

func TestAuthenticateSkipsPublicPaths(t *testing.T) {
	keys, _ := testKeyManager(t)
	h := authenticate(keys)(okHandler())

	for _, path := range []string{"/api/v1/health", "/docs", "/metrics", "/favicon.ico", "/static/app.css"} {
		r := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200 without credentials", path, w.Code)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	store := NewMemoryCounterStore("", testLogger())
	rl := NewRateLimiter(store, nil, 1, testLogger())
	h := rateLimit(rl)(okHandler())

	r := httptest.NewRequest("POST", "/api/v1/proxy", nil)
	r.RemoteAddr = "203.0.113.7:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}

	// Health stays reachable even for a throttled client.
	hr := httptest.NewRequest("GET", "/api/v1/health", nil)
	hr.RemoteAddr = "203.0.113.7:5000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, hr)
	if w.Code != http.StatusOK {
		t.Errorf("health while throttled: status = %d, want 200", w.Code)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := securityHeaders(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for header, value := range want {
		if got := w.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy not set")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var fromCtx string
	h := requestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx, _ = r.Context().Value(requestIDKey).(string)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	id := w.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("X-Request-ID not set")
	}
	if fromCtx != id {
		t.Errorf("context request id = %q, header = %q", fromCtx, id)
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, httptest.NewRequest("GET", "/", nil))
	if w2.Header().Get("X-Request-ID") == id {
		t.Error("two requests got the same id")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/rules", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestPublicPath(t *testing.T) {
	for _, path := range []string{"/api/v1/health", "/docs", "/metrics", "/favicon.ico", "/static/js/app.js"} {
		if !publicPath(path) {
			t.Errorf("publicPath(%q) = false, want true", path)
		}
	}
	for _, path := range []string{"/api/v1/proxy", "/api/v1/rules", "/", "/staticfile"} {
		if publicPath(path) {
			t.Errorf("publicPath(%q) = true, want false", path)
		}
	}
}
