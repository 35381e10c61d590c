package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmshield/llmshield/internal/config"
)

// maxUpstreamBodyBytes caps buffered upstream responses.
const maxUpstreamBodyBytes = 32 << 20

// UpstreamResponse is a fully buffered upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Body       map[string]any
	RawBody    []byte
}

// StreamHandle is a live upstream stream. Close is safe to call more than
// once; the body closes exactly once.
type StreamHandle struct {
	StatusCode  int
	ContentType string
	Body        io.Reader

	raw  io.Closer
	once sync.Once
}

// Close releases the upstream connection.
func (h *StreamHandle) Close() error {
	var err error
	h.once.Do(func() {
		if h.raw != nil {
			err = h.raw.Close()
		}
	})
	return err
}

// UpstreamError carries the gateway status code for a failed forward.
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// classifyForwardError maps transport failures to gateway status codes:
// 504 for timeouts, 502 for everything else on the wire.
func classifyForwardError(err error) *UpstreamError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &UpstreamError{StatusCode: http.StatusGatewayTimeout, Message: "upstream timed out", Err: err}
	}
	return &UpstreamError{StatusCode: http.StatusBadGateway, Message: "upstream request failed", Err: err}
}

// UpstreamClient forwards adapted payloads to an LLM provider.
type UpstreamClient interface {
	Forward(ctx context.Context, provider, endpoint string, payload any, headers map[string]string) (*UpstreamResponse, error)
	Stream(ctx context.Context, provider, endpoint string, payload any, headers map[string]string) (*StreamHandle, error)
}

// HTTPUpstream is the production UpstreamClient. One http.Client per
// provider so each honors its configured timeout.
type HTTPUpstream struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPUpstream creates the forwarder.
func NewHTTPUpstream(cfg *config.Config, logger *slog.Logger) *HTTPUpstream {
	return &HTTPUpstream{cfg: cfg, logger: logger, clients: make(map[string]*http.Client)}
}

func (u *HTTPUpstream) client(provider string) *http.Client {
	u.mu.Lock()
	defer u.mu.Unlock()

	if c, ok := u.clients[provider]; ok {
		return c
	}
	c := &http.Client{
		Timeout: time.Duration(u.cfg.ProviderTimeout(provider)) * time.Second,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	u.clients[provider] = c
	return c
}

func (u *HTTPUpstream) newRequest(ctx context.Context, provider, endpoint string, payload any, headers map[string]string) (*http.Request, error) {
	pc, ok := u.cfg.LLMProviders[provider]
	if !ok {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("unknown provider %q", provider)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusInternalServerError, Message: "encoding upstream payload", Err: err}
	}

	url := strings.TrimRight(pc.APIBase, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusInternalServerError, Message: "building upstream request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Forward sends the payload and buffers the JSON reply.
func (u *HTTPUpstream) Forward(ctx context.Context, provider, endpoint string, payload any, headers map[string]string) (*UpstreamResponse, error) {
	req, err := u.newRequest(ctx, provider, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := u.client(provider).Do(req)
	if err != nil {
		u.logger.Error("upstream request failed", "provider", provider, "endpoint", endpoint, "error", err)
		return nil, classifyForwardError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, classifyForwardError(err)
	}

	u.logger.Debug("upstream response",
		"provider", provider,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	out := &UpstreamResponse{StatusCode: resp.StatusCode, RawBody: raw}
	// Non-JSON upstream replies pass through with a nil body map.
	if err := json.Unmarshal(raw, &out.Body); err != nil {
		out.Body = nil
	}
	return out, nil
}

// Stream sends the payload and hands back the live response body.
func (u *HTTPUpstream) Stream(ctx context.Context, provider, endpoint string, payload any, headers map[string]string) (*StreamHandle, error) {
	req, err := u.newRequest(ctx, provider, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}

	// Streams run on a client without a global timeout; the context and
	// transport timeouts still bound connection setup.
	client := &http.Client{Transport: u.client(provider).Transport}
	resp, err := client.Do(req)
	if err != nil {
		u.logger.Error("upstream stream failed", "provider", provider, "endpoint", endpoint, "error", err)
		return nil, classifyForwardError(err)
	}
	return &StreamHandle{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
		raw:         resp.Body,
	}, nil
}
