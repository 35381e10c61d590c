package protocol

import (
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		url     string
		want    Protocol
	}{
		{"openai url", nil, "https://api.openai.com/v1/chat/completions", OpenAI},
		{"anthropic url", nil, "https://api.anthropic.com/v1/complete", Anthropic},
		{"huggingface url", nil, "https://api-inference.huggingface.co/models/x", HuggingFace},
		{"cohere url", nil, "https://api.cohere.ai/v1/chat", Cohere},
		{"ollama localhost", nil, "http://localhost:11434/api/chat", Ollama},
		{"ollama in host", nil, "http://ollama.internal/chat", Ollama},
		{"openai bearer", map[string]string{"Authorization": "Bearer sk-abc123"}, "http://proxy.local/v1", OpenAI},
		{"anthropic bearer", map[string]string{"Authorization": "Bearer sk-anthropic-abc"}, "http://proxy.local/v1", Anthropic},
		{"unknown", nil, "http://proxy.local/v1", Custom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.headers, tc.url); got != tc.want {
				t.Errorf("Detect = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestProviderFromModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4":            "openai",
		"text-davinci-003": "openai",
		"claude-3-opus":    "anthropic",
		"llama3":           "ollama",
		"mistral-7b":       "ollama",
		"codellama":        "ollama",
		"qwen2":            "ollama",
		"some-model":       "",
		"":                 "",
	}
	for model, want := range cases {
		if got := ProviderFromModel(model); got != want {
			t.Errorf("ProviderFromModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestStandardizeOpenAIRequest(t *testing.T) {
	payload := map[string]any{
		"model": "gpt-4",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hello"},
		},
		"temperature": 0.2,
		"max_tokens":  float64(100),
		"stream":      true,
	}
	req, err := StandardizeRequest(OpenAI, payload)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4" || len(req.Messages) != 2 || !req.Stream {
		t.Errorf("req = %+v", req)
	}
	if req.Temperature != 0.2 || req.MaxTokens != 100 || req.TopP != 1.0 {
		t.Errorf("params = %v/%v/%v", req.Temperature, req.MaxTokens, req.TopP)
	}
	if req.Metadata["original_protocol"] != "openai" {
		t.Errorf("metadata = %v", req.Metadata)
	}
}

func TestStandardizeAnthropicPrompt(t *testing.T) {
	payload := map[string]any{
		"model":  "claude-2",
		"system": "you are helpful",
		"prompt": "\n\nHuman: first question\n\nAssistant: first answer\n\nHuman: second question\n\nAssistant:",
	}
	req, err := StandardizeRequest(Anthropic, payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []Message{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, m := range want {
		if req.Messages[i] != m {
			t.Errorf("message %d = %+v, want %+v", i, req.Messages[i], m)
		}
	}
}

func TestStandardizeCohereRequest(t *testing.T) {
	payload := map[string]any{
		"model":   "command",
		"message": "latest",
		"chat_history": []any{
			map[string]any{"role": "USER", "message": "earlier"},
			map[string]any{"role": "CHATBOT", "message": "reply"},
		},
	}
	req, err := StandardizeRequest(Cohere, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != "user" || req.Messages[1].Role != "assistant" || req.Messages[2].Content != "latest" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestOpenAIRoundTrip(t *testing.T) {
	payload := map[string]any{
		"model": "gpt-4",
		"messages": []any{
			map[string]any{"role": "user", "content": "round trip"},
		},
		"temperature": 0.7,
		"max_tokens":  float64(50),
	}
	req, err := StandardizeRequest(OpenAI, payload)
	if err != nil {
		t.Fatal(err)
	}
	adapted, err := AdaptRequest(OpenAI, req)
	if err != nil {
		t.Fatal(err)
	}
	if adapted.Payload["model"] != "gpt-4" || adapted.Payload["temperature"] != 0.7 || adapted.Payload["max_tokens"] != 50 {
		t.Errorf("payload = %+v", adapted.Payload)
	}
	msgs := adapted.Payload["messages"].([]map[string]any)
	if len(msgs) != 1 || msgs[0]["content"] != "round trip" {
		t.Errorf("messages = %+v", msgs)
	}
	// Defaults stay implicit on the wire.
	if _, ok := adapted.Payload["top_p"]; ok {
		t.Error("default top_p must not be serialized")
	}
}

func TestAnthropicRoundTrip(t *testing.T) {
	req := &StandardRequest{
		Model:       "claude-2",
		Temperature: 1.0,
		TopP:        1.0,
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "question"},
			{Role: "assistant", Content: "answer"},
			{Role: "user", Content: "followup"},
		},
	}
	adapted, err := AdaptRequest(Anthropic, req)
	if err != nil {
		t.Fatal(err)
	}
	prompt := adapted.Payload["prompt"].(string)
	if !strings.HasSuffix(prompt, "\n\nAssistant:") {
		t.Errorf("prompt must end with an open assistant turn: %q", prompt)
	}
	if adapted.Payload["system"] != "sys" {
		t.Errorf("system = %v", adapted.Payload["system"])
	}
	if adapted.Headers["anthropic-version"] == "" {
		t.Error("anthropic-version header missing")
	}

	// Parsing the adapted prompt back must preserve the turns.
	back, err := StandardizeRequest(Anthropic, map[string]any{
		"model":  "claude-2",
		"system": adapted.Payload["system"],
		"prompt": prompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Messages) != len(req.Messages) {
		t.Fatalf("round trip lost turns: %+v", back.Messages)
	}
	for i := range req.Messages {
		if back.Messages[i] != req.Messages[i] {
			t.Errorf("turn %d = %+v, want %+v", i, back.Messages[i], req.Messages[i])
		}
	}
}

func TestCohereRoundTrip(t *testing.T) {
	req := &StandardRequest{
		Model:       "command",
		Temperature: 1.0,
		TopP:        1.0,
		Messages: []Message{
			{Role: "user", Content: "one"},
			{Role: "assistant", Content: "two"},
			{Role: "user", Content: "three"},
		},
	}
	adapted, err := AdaptRequest(Cohere, req)
	if err != nil {
		t.Fatal(err)
	}
	if adapted.Payload["message"] != "three" {
		t.Errorf("message = %v", adapted.Payload["message"])
	}
	history := adapted.Payload["chat_history"].([]map[string]any)
	if len(history) != 2 || history[0]["role"] != "USER" || history[1]["role"] != "CHATBOT" {
		t.Errorf("history = %+v", history)
	}
}

func TestStandardizeResponses(t *testing.T) {
	t.Run("anthropic", func(t *testing.T) {
		resp, err := StandardizeResponse(Anthropic, map[string]any{
			"id":          "resp-1",
			"model":       "claude-2",
			"completion":  "the answer",
			"stop_reason": "max_tokens",
		})
		if err != nil {
			t.Fatal(err)
		}
		content, finish := firstChoiceContent(resp)
		if content != "the answer" || finish != "max_tokens" {
			t.Errorf("choice = %q/%q", content, finish)
		}
	})

	t.Run("huggingface array", func(t *testing.T) {
		resp, err := StandardizeResponse(HuggingFace, []any{
			map[string]any{"generated_text": "hf output"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if content, _ := firstChoiceContent(resp); content != "hf output" {
			t.Errorf("content = %q", content)
		}
		if !strings.HasPrefix(resp.ID, "hf_") {
			t.Errorf("id = %q", resp.ID)
		}
	})

	t.Run("ollama token estimate", func(t *testing.T) {
		resp, err := StandardizeResponse(Ollama, map[string]any{
			"model":          "llama3",
			"message":        map[string]any{"role": "assistant", "content": "local answer"},
			"total_duration": float64(5_000_000_000),
		})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Usage["total_tokens"] != 5000 {
			t.Errorf("total_tokens = %d", resp.Usage["total_tokens"])
		}
		if resp.Usage["prompt_tokens"]+resp.Usage["completion_tokens"] != resp.Usage["total_tokens"] {
			t.Error("usage split must sum to total")
		}
	})

	t.Run("cohere generations fallback", func(t *testing.T) {
		resp, err := StandardizeResponse(Cohere, map[string]any{
			"generations": []any{map[string]any{"text": "gen text"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		if content, _ := firstChoiceContent(resp); content != "gen text" {
			t.Errorf("content = %q", content)
		}
	})
}

func TestAdaptResponses(t *testing.T) {
	std := &StandardResponse{
		ID:      "r-1",
		Model:   "m",
		Choices: assistantChoice("masked text", "stop"),
		Usage:   map[string]int{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
		Created: 1700000000,
	}

	t.Run("anthropic", func(t *testing.T) {
		out, err := AdaptResponse(Anthropic, std)
		if err != nil {
			t.Fatal(err)
		}
		payload := out.Payload.(map[string]any)
		if payload["completion"] != "masked text" || payload["type"] != "completion" {
			t.Errorf("payload = %+v", payload)
		}
	})

	t.Run("huggingface", func(t *testing.T) {
		out, err := AdaptResponse(HuggingFace, std)
		if err != nil {
			t.Fatal(err)
		}
		arr := out.Payload.([]any)
		if len(arr) != 1 || arr[0].(map[string]any)["generated_text"] != "masked text" {
			t.Errorf("payload = %+v", out.Payload)
		}
	})

	t.Run("ollama", func(t *testing.T) {
		out, err := AdaptResponse(Ollama, std)
		if err != nil {
			t.Fatal(err)
		}
		payload := out.Payload.(map[string]any)
		msg := payload["message"].(map[string]any)
		if msg["content"] != "masked text" {
			t.Errorf("payload = %+v", payload)
		}
	})

	t.Run("unknown protocol", func(t *testing.T) {
		if _, err := AdaptResponse(Custom, std); err == nil {
			t.Error("custom protocol has no response adapter")
		}
	})
}
