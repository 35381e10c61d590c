package protocol

import (
	"fmt"
	"strings"
)

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

// AdaptRequest converts a canonical request into a provider-specific
// payload.
func AdaptRequest(p Protocol, req *StandardRequest) (*AdaptedRequest, error) {
	switch p {
	case OpenAI:
		return adaptToOpenAIRequest(req), nil
	case Anthropic:
		return adaptToAnthropicRequest(req), nil
	case HuggingFace:
		return adaptToHuggingFaceRequest(req), nil
	case Cohere:
		return adaptToCohereRequest(req), nil
	case Ollama:
		return adaptToOllamaRequest(req), nil
	}
	return nil, fmt.Errorf("no request adapter for protocol %q", p)
}

// AdaptResponse converts a canonical response into a provider-specific
// payload.
func AdaptResponse(p Protocol, resp *StandardResponse) (*AdaptedResponse, error) {
	switch p {
	case OpenAI:
		return adaptFromOpenAIResponse(resp), nil
	case Anthropic:
		return adaptFromAnthropicResponse(resp), nil
	case HuggingFace:
		return adaptFromHuggingFaceResponse(resp), nil
	case Cohere:
		return adaptFromCohereResponse(resp), nil
	case Ollama:
		return adaptFromOllamaResponse(resp), nil
	}
	return nil, fmt.Errorf("no response adapter for protocol %q", p)
}

func adaptToOpenAIRequest(req *StandardRequest) *AdaptedRequest {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.Name != "" {
			entry["name"] = m.Name
		}
		messages = append(messages, entry)
	}

	payload := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.TopP != 1.0 {
		payload["top_p"] = req.TopP
	}
	if req.FrequencyPenalty != 0.0 {
		payload["frequency_penalty"] = req.FrequencyPenalty
	}
	if req.PresencePenalty != 0.0 {
		payload["presence_penalty"] = req.PresencePenalty
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if req.Stream {
		payload["stream"] = true
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	return &AdaptedRequest{Protocol: OpenAI, Payload: payload, Headers: jsonHeaders}
}

// adaptToAnthropicRequest rebuilds the legacy prompt format: Human and
// Assistant turns separated by blank lines, ending with an open Assistant
// turn for the model to complete.
func adaptToAnthropicRequest(req *StandardRequest) *AdaptedRequest {
	system := ""
	var prompt strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			prompt.WriteString("\n\nHuman: " + m.Content)
		case "assistant":
			prompt.WriteString("\n\nAssistant: " + m.Content)
		}
	}
	prompt.WriteString("\n\nAssistant:")

	payload := map[string]any{
		"model":       req.Model,
		"prompt":      prompt.String(),
		"temperature": req.Temperature,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.MaxTokens > 0 {
		payload["max_tokens_to_sample"] = req.MaxTokens
	}
	if req.TopP != 1.0 {
		payload["top_p"] = req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	if req.Stream {
		payload["stream"] = true
	}
	headers := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
	}
	return &AdaptedRequest{Protocol: Anthropic, Payload: payload, Headers: headers}
}

func adaptToHuggingFaceRequest(req *StandardRequest) *AdaptedRequest {
	var inputs strings.Builder
	for _, m := range req.Messages {
		if m.Role == "user" {
			inputs.WriteString(m.Content + "\n")
		}
	}

	payload := map[string]any{"inputs": strings.TrimSpace(inputs.String())}
	params := map[string]any{}
	if req.Temperature != 1.0 {
		params["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		params["max_new_tokens"] = req.MaxTokens
	}
	if req.TopP != 1.0 {
		params["top_p"] = req.TopP
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	return &AdaptedRequest{Protocol: HuggingFace, Payload: payload, Headers: jsonHeaders}
}

func adaptToCohereRequest(req *StandardRequest) *AdaptedRequest {
	history := make([]map[string]any, 0)
	current := ""
	if n := len(req.Messages); n > 0 {
		for _, m := range req.Messages[:n-1] {
			role := "CHATBOT"
			if m.Role == "user" {
				role = "USER"
			}
			history = append(history, map[string]any{"role": role, "message": m.Content})
		}
		current = req.Messages[n-1].Content
	}

	payload := map[string]any{
		"model":        req.Model,
		"message":      current,
		"chat_history": history,
		"temperature":  req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	return &AdaptedRequest{Protocol: Cohere, Payload: payload, Headers: jsonHeaders}
}

func adaptToOllamaRequest(req *StandardRequest) *AdaptedRequest {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	payload := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"stream":      req.Stream,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	return &AdaptedRequest{Protocol: Ollama, Payload: payload, Headers: jsonHeaders, Endpoint: "/api/chat"}
}

// firstChoiceContent pulls the assistant text out of a canonical choice
// list.
func firstChoiceContent(resp *StandardResponse) (content, finishReason string) {
	finishReason = "stop"
	if len(resp.Choices) == 0 {
		return "", finishReason
	}
	choice := resp.Choices[0]
	if msg := getMap(choice, "message"); msg != nil {
		content = getString(msg, "content")
	}
	if fr := getString(choice, "finish_reason"); fr != "" {
		finishReason = fr
	}
	return content, finishReason
}

func adaptFromOpenAIResponse(resp *StandardResponse) *AdaptedResponse {
	payload := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": resp.Choices,
		"usage":   resp.Usage,
	}
	return &AdaptedResponse{Protocol: OpenAI, Payload: payload, Headers: jsonHeaders}
}

func adaptFromAnthropicResponse(resp *StandardResponse) *AdaptedResponse {
	content, stopReason := firstChoiceContent(resp)
	payload := map[string]any{
		"id":          resp.ID,
		"type":        "completion",
		"completion":  content,
		"model":       resp.Model,
		"stop_reason": stopReason,
		"usage":       resp.Usage,
	}
	return &AdaptedResponse{Protocol: Anthropic, Payload: payload, Headers: jsonHeaders}
}

func adaptFromHuggingFaceResponse(resp *StandardResponse) *AdaptedResponse {
	content, _ := firstChoiceContent(resp)
	payload := []any{map[string]any{"generated_text": content}}
	return &AdaptedResponse{Protocol: HuggingFace, Payload: payload, Headers: jsonHeaders}
}

func adaptFromCohereResponse(resp *StandardResponse) *AdaptedResponse {
	content, _ := firstChoiceContent(resp)
	payload := map[string]any{
		"id":          resp.ID,
		"text":        content,
		"model":       resp.Model,
		"generations": []any{map[string]any{"text": content}},
		"meta": map[string]any{
			"prompt_tokens":     resp.Usage["prompt_tokens"],
			"completion_tokens": resp.Usage["completion_tokens"],
			"total_tokens":      resp.Usage["total_tokens"],
		},
	}
	return &AdaptedResponse{Protocol: Cohere, Payload: payload, Headers: jsonHeaders}
}

func adaptFromOllamaResponse(resp *StandardResponse) *AdaptedResponse {
	content, _ := firstChoiceContent(resp)
	payload := map[string]any{
		"model":          resp.Model,
		"message":        map[string]any{"role": "assistant", "content": content},
		"total_duration": 0,
	}
	return &AdaptedResponse{Protocol: Ollama, Payload: payload, Headers: jsonHeaders}
}
