package detect

import "strings"

// RequestText pulls the user-visible text out of a request body across the
// supported provider shapes: OpenAI/Ollama messages, Anthropic prompt and
// system, HuggingFace inputs, Cohere message and chat_history.
func RequestText(body map[string]any) string {
	if body == nil {
		return ""
	}

	if msgs, ok := body["messages"].([]any); ok {
		var b strings.Builder
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if content, ok := msg["content"].(string); ok {
				b.WriteString(content)
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	if prompt, ok := body["prompt"].(string); ok {
		return prompt
	}
	if system, ok := body["system"].(string); ok {
		return system
	}
	if inputs, ok := body["inputs"].(string); ok {
		return inputs
	}
	if message, ok := body["message"].(string); ok {
		return message
	}

	if history, ok := body["chat_history"].([]any); ok {
		var b strings.Builder
		for _, e := range history {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := entry["message"].(string); ok {
				b.WriteString(msg)
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	return ""
}

// ResponseText pulls the generated text out of a response body. The body may
// be a JSON object or, for HuggingFace, a top-level array.
func ResponseText(body any) string {
	switch v := body.(type) {
	case []any:
		var b strings.Builder
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := obj["generated_text"].(string); ok {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		return b.String()
	case map[string]any:
		return responseObjectText(v)
	}
	return ""
}

func responseObjectText(body map[string]any) string {
	if choices, ok := body["choices"].([]any); ok {
		var b strings.Builder
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if msg, ok := choice["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					b.WriteString(content)
					b.WriteString("\n")
					continue
				}
			}
			if text, ok := choice["text"].(string); ok {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	if completion, ok := body["completion"].(string); ok {
		return completion
	}
	if text, ok := body["generated_text"].(string); ok {
		return text
	}
	if text, ok := body["text"].(string); ok {
		return text
	}

	if gens, ok := body["generations"].([]any); ok {
		var b strings.Builder
		for _, g := range gens {
			gen, ok := g.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := gen["text"].(string); ok {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
		return b.String()
	}

	// Ollama chat and generate shapes
	if msg, ok := body["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok {
			return content
		}
	}
	if resp, ok := body["response"].(string); ok {
		return resp
	}

	return ""
}
