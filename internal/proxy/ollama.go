package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/protocol"
)

// OllamaHandler serves the local-model convenience endpoints. Chat goes
// through the full interceptor pipeline; model management calls pass
// through to the local Ollama API.
type OllamaHandler struct {
	cfg         *config.Config
	interceptor *Interceptor
	client      *http.Client
	logger      *slog.Logger

	mu       sync.Mutex
	progress map[string]map[string]any
}

// NewOllamaHandler creates the handler.
func NewOllamaHandler(cfg *config.Config, ic *Interceptor, logger *slog.Logger) *OllamaHandler {
	return &OllamaHandler{
		cfg:         cfg,
		interceptor: ic,
		client:      &http.Client{Timeout: time.Duration(cfg.ProviderTimeout("ollama")) * time.Second},
		logger:      logger,
		progress:    make(map[string]map[string]any),
	}
}

// Register mounts the Ollama routes on the mux.
func (h *OllamaHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/ollama/chat", h.chat)
	mux.HandleFunc("GET /api/v1/ollama/models", h.models)
	mux.HandleFunc("POST /api/v1/ollama/pull", h.pull)
	mux.HandleFunc("DELETE /api/v1/ollama/delete/{model}", h.deleteModel)
	mux.HandleFunc("GET /api/v1/ollama/pull/progress/{model}", h.pullProgress)
}

func (h *OllamaHandler) base() string {
	if p, ok := h.cfg.LLMProviders["ollama"]; ok {
		return strings.TrimRight(p.APIBase, "/")
	}
	return "http://localhost:11434"
}

// chat runs an Ollama chat request through the detection pipeline.
func (h *OllamaHandler) chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("reading request body: "+err.Error(), http.StatusBadRequest))
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid JSON: "+err.Error(), http.StatusBadRequest))
		return
	}

	std, err := protocol.StandardizeRequest(protocol.Ollama, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(err.Error(), http.StatusBadRequest))
		return
	}
	if std.Model == "" || len(std.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("model and messages are required", http.StatusBadRequest))
		return
	}

	h.interceptor.Process(w, r, body, std, protocol.Ollama, "ollama", start)
}

// models lists installed local models via /api/tags.
func (h *OllamaHandler) models(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, h.base()+"/api/tags", nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope(err.Error(), http.StatusInternalServerError))
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorEnvelope("ollama unreachable: "+err.Error(), http.StatusBadGateway))
		return
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// pull streams a model download, recording progress lines so clients can
// poll them separately.
func (h *OllamaHandler) pull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("invalid JSON: "+err.Error(), http.StatusBadRequest))
		return
	}
	model := body.Model
	if model == "" {
		model = body.Name
	}
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("model is required", http.StatusBadRequest))
		return
	}

	payload, _ := json.Marshal(map[string]any{"model": model})
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.base()+"/api/pull", bytes.NewReader(payload))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope(err.Error(), http.StatusInternalServerError))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	// Pulls outlive the normal client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorEnvelope("ollama unreachable: "+err.Error(), http.StatusBadGateway))
		return
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()

		var status map[string]any
		if err := json.Unmarshal(line, &status); err == nil {
			h.mu.Lock()
			h.progress[model] = status
			h.mu.Unlock()
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// pullProgress returns the last recorded pull status for a model.
func (h *OllamaHandler) pullProgress(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	h.mu.Lock()
	status, ok := h.progress[model]
	h.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pull in progress for model"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model, "progress": status})
}

// deleteModel removes a local model via the Ollama API.
func (h *OllamaHandler) deleteModel(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	payload, _ := json.Marshal(map[string]any{"model": model})
	req, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, h.base()+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope(err.Error(), http.StatusInternalServerError))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorEnvelope("ollama unreachable: "+err.Error(), http.StatusBadGateway))
		return
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode == http.StatusOK {
		h.mu.Lock()
		delete(h.progress, model)
		h.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"deleted": model})
		return
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
}
