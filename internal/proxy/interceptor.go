package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmshield/llmshield/internal/audit"
	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/detect"
	"github.com/llmshield/llmshield/internal/mask"
	"github.com/llmshield/llmshield/internal/metrics"
	"github.com/llmshield/llmshield/internal/protocol"
)

const maxRequestBodyBytes = 16 << 20

// Interceptor runs every proxied request through the detection pipeline:
// parse, check, queue, forward, check the reply, mask, respond.
type Interceptor struct {
	cfg      *config.Config
	detector *detect.Detector
	masker   *mask.Masker
	tracker  *ConversationTracker
	upstream UpstreamClient
	queue    *RequestQueue
	audit    *audit.Store
	metrics  *metrics.Metrics
	keys     *APIKeyManager
	logger   *slog.Logger
}

// NewInterceptor wires the pipeline.
func NewInterceptor(cfg *config.Config, detector *detect.Detector, masker *mask.Masker, tracker *ConversationTracker, upstream UpstreamClient, queue *RequestQueue, auditStore *audit.Store, m *metrics.Metrics, keys *APIKeyManager, logger *slog.Logger) *Interceptor {
	return &Interceptor{
		cfg:      cfg,
		detector: detector,
		masker:   masker,
		tracker:  tracker,
		upstream: upstream,
		queue:    queue,
		audit:    auditStore,
		metrics:  m,
		keys:     keys,
		logger:   logger,
	}
}

// providerProtocols maps configured provider names to wire protocols.
var providerProtocols = map[string]protocol.Protocol{
	"openai":      protocol.OpenAI,
	"anthropic":   protocol.Anthropic,
	"huggingface": protocol.HuggingFace,
	"cohere":      protocol.Cohere,
	"ollama":      protocol.Ollama,
}

// defaultEndpoints are the upstream paths per provider, relative to the
// provider's api_base.
var defaultEndpoints = map[string]string{
	"openai":      "/chat/completions",
	"anthropic":   "/v1/complete",
	"huggingface": "",
	"cohere":      "/v1/chat",
	"ollama":      "/api/chat",
}

// resolveProvider picks the upstream provider: an explicit override wins,
// then the request's own protocol markers, then the model name prefix.
func (ic *Interceptor) resolveProvider(r *http.Request, clientProto protocol.Protocol, model string) string {
	if p := r.URL.Query().Get("provider"); p != "" {
		return p
	}
	if p := r.Header.Get("X-LLM-Provider"); p != "" {
		return p
	}
	if clientProto != protocol.Custom {
		for name, proto := range providerProtocols {
			if proto == clientProto {
				if _, ok := ic.cfg.LLMProviders[name]; ok {
					return name
				}
			}
		}
	}
	if p := protocol.ProviderFromModel(model); p != "" {
		return p
	}
	return "ollama"
}

// ServeHTTP handles the main proxy endpoint.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	headers := map[string]string{"Authorization": r.Header.Get("Authorization")}
	clientProto := protocol.Detect(headers, r.URL.String())
	std, err := protocol.StandardizeRequest(clientProto, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope(err.Error(), http.StatusBadRequest))
		return
	}

	provider := ic.resolveProvider(r, clientProto, std.Model)
	ic.Process(w, r, body, std, clientProto, provider, start)
}

// Process runs an already parsed request through detection, queueing, and
// forwarding. Convenience endpoints reuse it with their own provider.
func (ic *Interceptor) Process(w http.ResponseWriter, r *http.Request, body map[string]any, std *protocol.StandardRequest, clientProto protocol.Protocol, provider string, start time.Time) {
	entry := audit.Entry{
		ID:        uuid.New().String(),
		Timestamp: start.UTC().Format(time.RFC3339),
		Client:    clientHost(r),
		Provider:  provider,
		Model:     std.Model,
	}

	// Per-key restrictions need the parsed model, so they run here rather
	// than in the authenticate middleware.
	if ic.cfg.Security.EnableAPIAuth && ic.keys != nil {
		if key := ExtractAPIKey(r); key != "" {
			if !ic.keys.CheckPermission(key, "chat") {
				ic.finish(&entry, audit.StatusError, detect.Result{Reason: "api key lacks chat permission"}, 0, start)
				writeJSON(w, http.StatusForbidden, errorEnvelope("API key does not have chat permission", http.StatusForbidden))
				return
			}
			if !ic.keys.CheckModelAccess(key, std.Model) {
				ic.finish(&entry, audit.StatusError, detect.Result{Reason: "model not allowed for api key"}, 0, start)
				writeJSON(w, http.StatusForbidden, errorEnvelope(fmt.Sprintf("API key is not allowed to use model %q", std.Model), http.StatusForbidden))
				return
			}
		}
	}

	convID := ConversationID(r, std)
	ic.tracker.AddUserTurns(convID, std)
	history := ""
	if ic.cfg.Security.EnableContextAwareDetection {
		history = ic.tracker.History(convID)
	}

	// Request-side detection runs before any upstream work.
	verdict := ic.detector.CheckRequest(r.Context(), body, std.Model, history)
	if !verdict.IsAllowed {
		ic.finish(&entry, audit.StatusBlocked, verdict, 0, start)
		writeJSON(w, verdict.StatusCode, blockedEnvelope(verdict.Reason, verdict.StatusCode))
		return
	}

	if std.Stream {
		ic.processStream(w, r, std, clientProto, provider, &entry, start)
		return
	}

	priority := ParsePriority(r.Header.Get("X-Priority"))
	err := ic.queue.Submit(r.Context(), priority, func() {
		ic.forwardAndRespond(r.Context(), w, std, clientProto, provider, convID, &entry, start)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		ic.finish(&entry, audit.StatusError, detect.Result{Reason: "queue full"}, 0, start)
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope("server overloaded, try again later", http.StatusServiceUnavailable))
	case errors.Is(err, ErrExpired):
		ic.finish(&entry, audit.StatusError, detect.Result{Reason: "queue timeout"}, 0, start)
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope("request expired in queue", http.StatusServiceUnavailable))
	default:
		// Client went away; nothing left to write.
		ic.finish(&entry, audit.StatusError, detect.Result{Reason: err.Error()}, 0, start)
	}
}

// forwardAndRespond runs on a queue worker: adapt, forward, check the
// reply, mask, adapt back.
func (ic *Interceptor) forwardAndRespond(ctx context.Context, w http.ResponseWriter, std *protocol.StandardRequest, clientProto protocol.Protocol, provider, convID string, entry *audit.Entry, start time.Time) {
	upstreamProto, ok := providerProtocols[provider]
	if !ok {
		upstreamProto = clientProto
	}

	adapted, err := protocol.AdaptRequest(upstreamProto, std)
	if err != nil {
		ic.finish(entry, audit.StatusError, detect.Result{Reason: err.Error()}, 0, start)
		writeJSON(w, http.StatusBadGateway, errorEnvelope(err.Error(), http.StatusBadGateway))
		return
	}

	endpoint := adapted.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[provider]
	}

	resp, err := ic.upstream.Forward(ctx, provider, endpoint, adapted.Payload, adapted.Headers)
	if err != nil {
		status := http.StatusInternalServerError
		var ue *UpstreamError
		if errors.As(err, &ue) {
			status = ue.StatusCode
		}
		ic.finish(entry, audit.StatusError, detect.Result{Reason: err.Error()}, 0, start)
		writeJSON(w, status, errorEnvelope(err.Error(), status))
		return
	}

	var payload any
	if resp.Body != nil {
		payload = resp.Body
	} else if err := json.Unmarshal(resp.RawBody, &payload); err != nil {
		// Opaque upstream body passes through untouched.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.RawBody)
		ic.finish(entry, audit.StatusForwarded, detect.Result{}, 0, start)
		return
	}

	// Response-side detection, then masking when enabled.
	verdict, hits := ic.detector.CheckResponse(ctx, payload, std.Model, false)
	if !verdict.IsAllowed {
		ic.finish(entry, audit.StatusBlocked, verdict, 0, start)
		writeJSON(w, verdict.StatusCode, blockedEnvelope(verdict.Reason, verdict.StatusCode))
		return
	}

	masked := 0
	if len(hits) > 0 {
		payload, masked = ic.masker.MaskResponse(payload)
	}

	stdResp, err := protocol.StandardizeResponse(upstreamProto, payload)
	if err != nil {
		ic.finish(entry, audit.StatusError, detect.Result{Reason: err.Error()}, masked, start)
		writeJSON(w, http.StatusBadGateway, errorEnvelope(err.Error(), http.StatusBadGateway))
		return
	}
	if content, _ := firstAssistantContent(stdResp); content != "" {
		ic.tracker.AddAssistantTurn(convID, content)
	}

	out := payload
	if clientProto != upstreamProto && clientProto != protocol.Custom {
		adaptedResp, err := protocol.AdaptResponse(clientProto, stdResp)
		if err == nil {
			out = adaptedResp.Payload
		}
	}

	status := audit.StatusForwarded
	if masked > 0 {
		status = audit.StatusMasked
		w.Header().Set("X-Content-Masked", "true")
		w.Header().Set("X-Content-Mask-Count", strconv.Itoa(masked))
		ic.metrics.ObserveMasked(masked)
	}
	ic.finish(entry, status, detect.Result{}, masked, start)
	writeJSON(w, resp.StatusCode, out)
}

// processStream forwards a streaming request and copies the live body to
// the client. Streamed chunks bypass response detection.
func (ic *Interceptor) processStream(w http.ResponseWriter, r *http.Request, std *protocol.StandardRequest, clientProto protocol.Protocol, provider string, entry *audit.Entry, start time.Time) {
	upstreamProto, ok := providerProtocols[provider]
	if !ok {
		upstreamProto = clientProto
	}
	adapted, err := protocol.AdaptRequest(upstreamProto, std)
	if err != nil {
		ic.finish(entry, audit.StatusError, detect.Result{Reason: err.Error()}, 0, start)
		writeJSON(w, http.StatusBadGateway, errorEnvelope(err.Error(), http.StatusBadGateway))
		return
	}
	endpoint := adapted.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[provider]
	}

	handle, err := ic.upstream.Stream(r.Context(), provider, endpoint, adapted.Payload, adapted.Headers)
	if err != nil {
		status := http.StatusBadGateway
		var ue *UpstreamError
		if errors.As(err, &ue) {
			status = ue.StatusCode
		}
		ic.finish(entry, audit.StatusError, detect.Result{Reason: err.Error()}, 0, start)
		writeJSON(w, status, errorEnvelope(err.Error(), status))
		return
	}
	defer handle.Close() //nolint:errcheck // best-effort cleanup

	ct := handle.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(handle.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := handle.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}
	ic.finish(entry, audit.StatusForwarded, detect.Result{}, 0, start)
}

// finish records the request in the audit trail and metrics.
func (ic *Interceptor) finish(entry *audit.Entry, status string, verdict detect.Result, masked int, start time.Time) {
	entry.Status = status
	entry.DetectionKind = string(verdict.DetectionKind)
	entry.Reason = verdict.Reason
	entry.MaskedCount = masked
	entry.LatencyMs = time.Since(start).Milliseconds()
	ic.audit.Log(*entry)

	ic.metrics.ObserveRequest(entry.Provider, status, time.Since(start))
	if status == audit.StatusBlocked {
		ic.metrics.ObserveBlock(string(verdict.DetectionKind))
	}
}

func firstAssistantContent(resp *protocol.StandardResponse) (string, string) {
	if len(resp.Choices) == 0 {
		return "", ""
	}
	choice := resp.Choices[0]
	if msg, ok := choice["message"].(map[string]any); ok {
		content, _ := msg["content"].(string)
		finish, _ := choice["finish_reason"].(string)
		return content, finish
	}
	return "", ""
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// blockedEnvelope builds the client-facing block payload, including a
// localized explanation and a remediation hint per detection reason.
func blockedEnvelope(reason string, status int) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message":          "请求被本地大模型防护系统拦截: " + reason,
			"friendly_message": friendlyMessage(reason),
			"suggestion":       suggestion(reason),
			"type":             "security_violation",
			"code":             status,
			"request_id":       fmt.Sprintf("req-%d", time.Now().Unix()),
			"feedback_url":     "/api/v1/feedback/false-positive",
		},
	}
}

func errorEnvelope(message string, status int) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message":    message,
			"type":       "gateway_error",
			"code":       status,
			"request_id": fmt.Sprintf("req-%d", time.Now().Unix()),
		},
	}
}

func friendlyMessage(reason string) string {
	switch {
	case strings.Contains(reason, "Prompt Injection"):
		return "您的请求可能包含试图操纵模型的内容，这可能会导致安全风险。"
	case strings.Contains(reason, "Jailbreak"):
		return "您的请求可能包含试图绕过模型安全限制的内容，这违反了使用规范。"
	case strings.Contains(reason, "Harmful Content"):
		return "您的请求可能包含有害内容，我们无法处理此类请求。"
	case strings.Contains(reason, "Sensitive Information"), strings.Contains(reason, "sensitive information"):
		return "您的请求可能包含敏感信息，为保护您的隐私，我们已拦截此请求。"
	case strings.Contains(reason, "Violence Content"):
		return "您的请求可能包含暴力内容，我们无法处理此类请求。"
	case strings.Contains(reason, "Self-Harm Content"):
		return "您的请求可能涉及自残内容，如果您需要帮助，请联系专业心理咨询机构。"
	case strings.Contains(reason, "Child Exploitation"):
		return "您的请求可能涉及儿童不当内容，这违反了法律法规和使用规范。"
	}
	return "您的请求违反了安全规则，已被系统拦截。"
}

func suggestion(reason string) string {
	switch {
	case strings.Contains(reason, "Prompt Injection"):
		return "请避免使用试图操控模型的指令，如'忽略之前的指示'等。"
	case strings.Contains(reason, "Jailbreak"):
		return "请避免使用DAN等越狱提示，模型只能在安全限制内回答问题。"
	case strings.Contains(reason, "Harmful Content"):
		return "请避免询问有关制作危险物品、实施暴力行为等有害内容的问题。"
	case strings.Contains(reason, "Sensitive Information"), strings.Contains(reason, "sensitive information"):
		return "请不要在对话中分享密码、信用卡号等敏感个人信息，以保护您的隐私安全。"
	case strings.Contains(reason, "Violence Content"):
		return "请避免询问有关暴力行为的问题，尝试以更积极的方式表达您的需求。"
	case strings.Contains(reason, "Self-Harm Content"):
		return "如果您正在经历困难，请寻求专业帮助，全国心理援助热线：400-161-9995。"
	case strings.Contains(reason, "Child Exploitation"):
		return "此类内容严重违反法律法规，请立即停止相关查询。"
	}
	return "请修改您的请求，避免包含可能违反安全规则的内容。如果您认为这是误判，可以通过反馈功能告诉我们。"
}
