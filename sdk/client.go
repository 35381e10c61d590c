// Package sdk provides a Go client for the llmshield gateway.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8080", "my-api-key")
//	resp, err := c.Chat(ctx, "llama3", []sdk.Message{
//		{Role: "user", Content: "hello"},
//	})
//
// Blocked requests surface as a *BlockedError carrying the gateway's
// explanation and remediation hints.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is sent to POST /api/v1/proxy.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

// BlockDetail is the error envelope the gateway returns for a refused request.
type BlockDetail struct {
	Message         string `json:"message"`
	FriendlyMessage string `json:"friendly_message,omitempty"`
	Suggestion      string `json:"suggestion,omitempty"`
	Type            string `json:"type"`
	Code            int    `json:"code"`
	RequestID       string `json:"request_id,omitempty"`
	FeedbackURL     string `json:"feedback_url,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// BlockedError is returned when the gateway refuses a request.
type BlockedError struct {
	StatusCode int
	Detail     BlockDetail
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("llmshield: request blocked (HTTP %d, type=%s, id=%s)",
		e.StatusCode, e.Detail.Type, e.Detail.RequestID)
}

// APIError is returned for non-block failures such as auth or rate limits.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llmshield: HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to an llmshield gateway.
type Client struct {
	baseURL    string
	apiKey     string
	provider   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithProvider pins requests to a specific upstream provider.
func WithProvider(name string) Option {
	return func(c *Client) { c.provider = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a gateway client. Pass an empty apiKey when the
// gateway runs without API authentication.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a chat completion through the gateway and returns the raw
// provider response. Returns *BlockedError for refused requests.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (map[string]any, error) {
	body, err := json.Marshal(ChatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/proxy", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	if c.provider != "" {
		httpReq.Header.Set("X-LLM-Provider", c.provider)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // best-effort cleanup

	var resp map[string]any
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode == http.StatusOK {
		return resp, nil
	}

	if raw, ok := resp["error"]; ok {
		data, _ := json.Marshal(raw)
		var detail BlockDetail
		if err := json.Unmarshal(data, &detail); err == nil && detail.Type == "security_violation" {
			return resp, &BlockedError{StatusCode: httpResp.StatusCode, Detail: detail}
		}
	}

	data, _ := json.Marshal(resp)
	return resp, &APIError{StatusCode: httpResp.StatusCode, Body: string(data)}
}

// Health checks the gateway health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // best-effort cleanup

	var resp HealthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding health: %w", err)
	}
	return &resp, nil
}
