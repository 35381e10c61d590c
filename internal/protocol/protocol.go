// Package protocol normalizes requests and responses across LLM provider
// APIs. Every provider shape converts to a canonical StandardRequest or
// StandardResponse and back again.
package protocol

import (
	"hash/fnv"
	"strconv"
	"strings"
)

// Protocol identifies a provider wire format.
type Protocol string

const (
	OpenAI      Protocol = "openai"
	Anthropic   Protocol = "anthropic"
	HuggingFace Protocol = "huggingface"
	Cohere      Protocol = "cohere"
	Ollama      Protocol = "ollama"
	Custom      Protocol = "custom"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StandardRequest is the canonical request shape used internally. Zero
// MaxTokens means unset.
type StandardRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Temperature      float64        `json:"temperature"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	TopP             float64        `json:"top_p"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	Stop             []string       `json:"stop,omitempty"`
	Stream           bool           `json:"stream"`
	User             string         `json:"user,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// StandardResponse is the canonical response shape.
type StandardResponse struct {
	ID       string           `json:"id"`
	Model    string           `json:"model"`
	Choices  []map[string]any `json:"choices"`
	Usage    map[string]int   `json:"usage"`
	Created  int64            `json:"created"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// AdaptedRequest is a request converted to a specific provider format.
type AdaptedRequest struct {
	Protocol Protocol          `json:"protocol"`
	Payload  map[string]any    `json:"payload"`
	Headers  map[string]string `json:"headers"`
	Endpoint string            `json:"endpoint,omitempty"`
}

// AdaptedResponse is a response converted to a specific provider format.
// Payload is any because HuggingFace responses are top-level arrays.
type AdaptedResponse struct {
	Protocol Protocol          `json:"protocol"`
	Payload  any               `json:"payload"`
	Headers  map[string]string `json:"headers"`
}

// Detect derives the protocol from the request URL and headers. URL
// substrings win; the Authorization header breaks ties between OpenAI-style
// bearer keys; everything else is custom.
func Detect(headers map[string]string, url string) Protocol {
	switch {
	case strings.Contains(url, "api.openai.com"):
		return OpenAI
	case strings.Contains(url, "api.anthropic.com"):
		return Anthropic
	case strings.Contains(url, "api-inference.huggingface.co"):
		return HuggingFace
	case strings.Contains(url, "api.cohere.ai"):
		return Cohere
	case strings.Contains(url, "localhost:11434/api"), strings.Contains(url, "ollama"):
		return Ollama
	}

	auth := headers["Authorization"]
	if strings.HasPrefix(auth, "Bearer sk-") {
		if strings.Contains(auth, "anthropic") {
			return Anthropic
		}
		return OpenAI
	}
	return Custom
}

// ollamaModelPrefixes covers the model families commonly served by a local
// Ollama instance.
var ollamaModelPrefixes = []string{
	"llama", "mistral", "gemma", "phi", "qwen", "codellama", "vicuna", "orca",
}

// ProviderFromModel maps a model name to its provider tag, or "" when the
// name is not recognized.
func ProviderFromModel(model string) string {
	if model == "" {
		return ""
	}
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "text-davinci-") {
		return string(OpenAI)
	}
	if strings.HasPrefix(model, "claude-") {
		return string(Anthropic)
	}
	for _, p := range ollamaModelPrefixes {
		if strings.HasPrefix(model, p) {
			return string(Ollama)
		}
	}
	return ""
}

// shortHash gives stable synthetic IDs for providers that do not return one.
func shortHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// Map accessors tolerant of JSON decoding types.

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func getInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getStringSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func getMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func usageInts(m map[string]any) map[string]int {
	out := map[string]int{
		"prompt_tokens":     getInt(m, "prompt_tokens"),
		"completion_tokens": getInt(m, "completion_tokens"),
		"total_tokens":      getInt(m, "total_tokens"),
	}
	return out
}
