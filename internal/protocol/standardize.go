package protocol

import (
	"fmt"
	"strings"
	"time"
)

// StandardizeRequest converts a provider-specific request payload to the
// canonical form.
func StandardizeRequest(p Protocol, payload map[string]any) (*StandardRequest, error) {
	switch p {
	case OpenAI:
		return standardizeOpenAIRequest(payload), nil
	case Anthropic:
		return standardizeAnthropicRequest(payload), nil
	case HuggingFace:
		return standardizeHuggingFaceRequest(payload), nil
	case Cohere:
		return standardizeCohereRequest(payload), nil
	case Ollama:
		return standardizeOllamaRequest(payload), nil
	case Custom:
		return standardizeCustomRequest(payload), nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", p)
}

// StandardizeResponse converts a provider-specific response payload to the
// canonical form. payload may be a map or, for HuggingFace, an array.
func StandardizeResponse(p Protocol, payload any) (*StandardResponse, error) {
	obj, _ := payload.(map[string]any)
	switch p {
	case OpenAI:
		return standardizeOpenAIResponse(obj), nil
	case Anthropic:
		return standardizeAnthropicResponse(obj), nil
	case HuggingFace:
		return standardizeHuggingFaceResponse(payload), nil
	case Cohere:
		return standardizeCohereResponse(obj), nil
	case Ollama:
		return standardizeOllamaResponse(obj), nil
	case Custom:
		return standardizeCustomResponse(obj), nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", p)
}

func messagesFromPayload(payload map[string]any) []Message {
	raw, ok := payload["messages"].([]any)
	if !ok {
		return nil
	}
	msgs := make([]Message, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		msgs = append(msgs, Message{
			Role:    getString(m, "role"),
			Content: getString(m, "content"),
			Name:    getString(m, "name"),
		})
	}
	return msgs
}

func standardizeOpenAIRequest(payload map[string]any) *StandardRequest {
	return &StandardRequest{
		Model:            getString(payload, "model"),
		Messages:         messagesFromPayload(payload),
		Temperature:      getFloat(payload, "temperature", 1.0),
		MaxTokens:        getInt(payload, "max_tokens"),
		TopP:             getFloat(payload, "top_p", 1.0),
		FrequencyPenalty: getFloat(payload, "frequency_penalty", 0.0),
		PresencePenalty:  getFloat(payload, "presence_penalty", 0.0),
		Stop:             getStringSlice(payload, "stop"),
		Stream:           getBool(payload, "stream"),
		User:             getString(payload, "user"),
		Metadata:         map[string]any{"original_protocol": string(OpenAI)},
	}
}

// standardizeAnthropicRequest parses the legacy prompt format: blocks
// separated by blank lines, each opening with "Human:" or "Assistant:".
func standardizeAnthropicRequest(payload map[string]any) *StandardRequest {
	var msgs []Message
	if system := getString(payload, "system"); system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	for _, part := range strings.Split(getString(payload, "prompt"), "\n\n") {
		switch {
		case strings.HasPrefix(part, "Human:"):
			msgs = append(msgs, Message{Role: "user", Content: strings.TrimSpace(part[len("Human:"):])})
		case strings.HasPrefix(part, "Assistant:"):
			content := strings.TrimSpace(part[len("Assistant:"):])
			if content != "" {
				msgs = append(msgs, Message{Role: "assistant", Content: content})
			}
		}
	}
	return &StandardRequest{
		Model:       getString(payload, "model"),
		Messages:    msgs,
		Temperature: getFloat(payload, "temperature", 1.0),
		MaxTokens:   getInt(payload, "max_tokens_to_sample"),
		TopP:        getFloat(payload, "top_p", 1.0),
		Stop:        getStringSlice(payload, "stop_sequences"),
		Stream:      getBool(payload, "stream"),
		Metadata:    map[string]any{"original_protocol": string(Anthropic)},
	}
}

func standardizeHuggingFaceRequest(payload map[string]any) *StandardRequest {
	return &StandardRequest{
		Model:       getString(payload, "model"),
		Messages:    []Message{{Role: "user", Content: getString(payload, "inputs")}},
		Temperature: getFloat(payload, "temperature", 1.0),
		MaxTokens:   getInt(payload, "max_new_tokens"),
		TopP:        getFloat(payload, "top_p", 1.0),
		Metadata:    map[string]any{"original_protocol": string(HuggingFace)},
	}
}

func standardizeCohereRequest(payload map[string]any) *StandardRequest {
	var msgs []Message
	if history, ok := payload["chat_history"].([]any); ok {
		for _, e := range history {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			role := "assistant"
			if getString(entry, "role") == "USER" {
				role = "user"
			}
			msgs = append(msgs, Message{Role: role, Content: getString(entry, "message")})
		}
	}
	if message := getString(payload, "message"); message != "" {
		msgs = append(msgs, Message{Role: "user", Content: message})
	}
	return &StandardRequest{
		Model:       getString(payload, "model"),
		Messages:    msgs,
		Temperature: getFloat(payload, "temperature", 1.0),
		MaxTokens:   getInt(payload, "max_tokens"),
		TopP:        1.0,
		Metadata:    map[string]any{"original_protocol": string(Cohere)},
	}
}

func standardizeOllamaRequest(payload map[string]any) *StandardRequest {
	return &StandardRequest{
		Model:       getString(payload, "model"),
		Messages:    messagesFromPayload(payload),
		Temperature: getFloat(payload, "temperature", 1.0),
		MaxTokens:   getInt(payload, "max_tokens"),
		TopP:        1.0,
		Stream:      getBool(payload, "stream"),
		Metadata:    map[string]any{"original_protocol": string(Ollama)},
	}
}

// standardizeCustomRequest extracts common fields on a best-effort basis
// and keeps the original payload in metadata so nothing is lost.
func standardizeCustomRequest(payload map[string]any) *StandardRequest {
	msgs := messagesFromPayload(payload)
	if msgs == nil {
		for _, key := range []string{"prompt", "input", "inputs"} {
			if v := getString(payload, key); v != "" {
				msgs = []Message{{Role: "user", Content: v}}
				break
			}
		}
	}
	maxTokens := getInt(payload, "max_tokens")
	if maxTokens == 0 {
		maxTokens = getInt(payload, "max_new_tokens")
	}
	return &StandardRequest{
		Model:       getString(payload, "model"),
		Messages:    msgs,
		Temperature: getFloat(payload, "temperature", 1.0),
		MaxTokens:   maxTokens,
		TopP:        getFloat(payload, "top_p", 1.0),
		Metadata: map[string]any{
			"original_protocol": string(Custom),
			"original_payload":  payload,
		},
	}
}

func assistantChoice(content, finishReason string) []map[string]any {
	return []map[string]any{{
		"index":         0,
		"message":       map[string]any{"role": "assistant", "content": content},
		"finish_reason": finishReason,
	}}
}

func standardizeOpenAIResponse(payload map[string]any) *StandardResponse {
	var choices []map[string]any
	if raw, ok := payload["choices"].([]any); ok {
		for _, c := range raw {
			if m, ok := c.(map[string]any); ok {
				choices = append(choices, m)
			}
		}
	}
	return &StandardResponse{
		ID:       getString(payload, "id"),
		Model:    getString(payload, "model"),
		Choices:  choices,
		Usage:    usageInts(getMap(payload, "usage")),
		Created:  int64(getInt(payload, "created")),
		Metadata: map[string]any{"original_protocol": string(OpenAI)},
	}
}

func standardizeAnthropicResponse(payload map[string]any) *StandardResponse {
	content := getString(payload, "completion")
	finish := getString(payload, "stop_reason")
	if finish == "" {
		finish = "stop"
	}
	return &StandardResponse{
		ID:       getString(payload, "id"),
		Model:    getString(payload, "model"),
		Choices:  assistantChoice(content, finish),
		Usage:    usageInts(getMap(payload, "usage")),
		Created:  int64(getInt(payload, "created")),
		Metadata: map[string]any{"original_protocol": string(Anthropic)},
	}
}

func standardizeHuggingFaceResponse(payload any) *StandardResponse {
	text := ""
	switch v := payload.(type) {
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				text = getString(m, "generated_text")
			}
		}
	case map[string]any:
		text = getString(v, "generated_text")
	}
	return &StandardResponse{
		ID:       "hf_" + shortHash(text),
		Model:    string(HuggingFace),
		Choices:  assistantChoice(text, "stop"),
		Usage:    map[string]int{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
		Created:  time.Now().Unix(),
		Metadata: map[string]any{"original_protocol": string(HuggingFace)},
	}
}

func standardizeCohereResponse(payload map[string]any) *StandardResponse {
	text := getString(payload, "text")
	if text == "" {
		if gens, ok := payload["generations"].([]any); ok && len(gens) > 0 {
			if g, ok := gens[0].(map[string]any); ok {
				text = getString(g, "text")
			}
		}
	}
	return &StandardResponse{
		ID:       getString(payload, "id"),
		Model:    getString(payload, "model"),
		Choices:  assistantChoice(text, "stop"),
		Usage:    usageInts(getMap(payload, "meta")),
		Created:  time.Now().Unix(),
		Metadata: map[string]any{"original_protocol": string(Cohere)},
	}
}

func standardizeOllamaResponse(payload map[string]any) *StandardResponse {
	content := ""
	if msg := getMap(payload, "message"); msg != nil {
		content = getString(msg, "content")
	}

	usage := usageInts(getMap(payload, "usage"))
	if usage["total_tokens"] == 0 {
		// Ollama reports durations, not tokens. Derive a rough count so
		// downstream accounting has something to sum.
		if total := getInt(payload, "total_duration"); total > 0 {
			tokens := total / 1_000_000
			usage["total_tokens"] = tokens
			usage["prompt_tokens"] = tokens / 2
			usage["completion_tokens"] = tokens - tokens/2
		}
	}

	id := getString(payload, "id")
	if id == "" {
		id = "ollama_" + shortHash(content)
	}
	return &StandardResponse{
		ID:       id,
		Model:    getString(payload, "model"),
		Choices:  assistantChoice(content, "stop"),
		Usage:    usage,
		Created:  time.Now().Unix(),
		Metadata: map[string]any{"original_protocol": string(Ollama)},
	}
}

func standardizeCustomResponse(payload map[string]any) *StandardResponse {
	content := ""
	if raw, ok := payload["choices"].([]any); ok && len(raw) > 0 {
		if choice, ok := raw[0].(map[string]any); ok {
			if msg := getMap(choice, "message"); msg != nil {
				content = getString(msg, "content")
			} else {
				content = getString(choice, "text")
			}
		}
	} else if v := getString(payload, "completion"); v != "" {
		content = v
	} else if v := getString(payload, "text"); v != "" {
		content = v
	} else if v := getString(payload, "content"); v != "" {
		content = v
	}

	model := getString(payload, "model")
	if model == "" {
		model = string(Custom)
	}
	id := getString(payload, "id")
	if id == "" {
		id = "custom_" + shortHash(content)
	}
	return &StandardResponse{
		ID:      id,
		Model:   model,
		Choices: assistantChoice(content, "stop"),
		Usage:   usageInts(getMap(payload, "usage")),
		Created: time.Now().Unix(),
		Metadata: map[string]any{
			"original_protocol": string(Custom),
			"original_payload":  payload,
		},
	}
}
