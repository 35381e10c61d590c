package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/llmshield/llmshield/internal/audit"
	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/detect"
	"github.com/llmshield/llmshield/internal/events"
	"github.com/llmshield/llmshield/internal/mask"
	"github.com/llmshield/llmshield/internal/metrics"
	"github.com/llmshield/llmshield/internal/modelrules"
	"github.com/llmshield/llmshield/internal/rules"
)

// Version is the gateway version reported by the health endpoints.
const Version = "0.1.0"

// Server is the llmshield gateway server.
type Server struct {
	cfg      *config.Config
	srv      *http.Server
	ln       net.Listener
	store    *rules.Store
	manager  *modelrules.Manager
	events   *events.Logger
	audit    *audit.Store
	queue    *RequestQueue
	tracker  *ConversationTracker
	counters CounterStore
	logger   *slog.Logger
	bgCancel context.CancelFunc
}

// NewServer creates and wires the gateway.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Rule store with per-family files under the data dir
	store, err := rules.NewStore(rules.Paths{
		PromptInjection: cfg.FamilyRulePath(cfg.Security.PromptInjectionRulesPath),
		Jailbreak:       cfg.FamilyRulePath(cfg.Security.JailbreakRulesPath),
		HarmfulContent:  cfg.FamilyRulePath(cfg.Security.HarmfulContentRulesPath),
		Compliance:      cfg.FamilyRulePath(cfg.Security.ComplianceRulesPath),
		SensitiveInfo:   cfg.FamilyRulePath(cfg.Security.SensitiveInfoPatternsPath),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	// Per-model rule bindings and templates
	manager, err := modelrules.NewManager(
		cfg.FamilyRulePath("rules/model_rules.json"),
		cfg.FamilyRulePath("rules/rule_templates.json"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("loading model rules: %w", err)
	}

	// Security event log
	eventLog, err := events.NewLogger(cfg.EventsPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	// Request audit trail
	auditStore, err := audit.NewStore(cfg.AuditPath(), logger, cfg.Audit.AuditLogRetention)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	// Detection pipeline
	custom := detect.NewCustomScanner(cfg.Security.CustomRulesDir, logger)
	opts := detect.Options{
		ContextAware:   cfg.Security.EnableContextAwareDetection,
		ModelSpecific:  cfg.Security.EnableModelSpecificDetection,
		ContentMasking: cfg.Security.EnableContentMasking,
		Custom:         custom,
		Events:         eventLog,
	}
	if cfg.Security.EnableModelSpecificDetection {
		opts.ModelRules = manager
	}
	detector := detect.NewDetector(store, opts, logger)
	masker := mask.New(store, logger)

	// API keys and rate limiting
	keys, err := NewAPIKeyManager(cfg.APIKeysPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("loading API keys: %w", err)
	}
	var counters CounterStore
	if addr := cfg.Security.RateLimitRedisAddr; addr != "" {
		counters, err = NewRedisCounterStore(addr)
		if err != nil {
			return nil, fmt.Errorf("connecting rate limit store: %w", err)
		}
		logger.Info("rate limiting backed by redis", "addr", addr)
	} else {
		counters = NewMemoryCounterStore(cfg.RateLimitPath(), logger)
	}
	limiter := NewRateLimiter(counters, keys, 0, logger)

	// Queue, metrics, conversations
	queue := NewRequestQueue(cfg.Proxy.RequestQueueSize, cfg.Proxy.MaxConcurrentRequests,
		time.Duration(cfg.Proxy.TimeoutS)*time.Second, logger)
	m := metrics.New()
	m.RegisterQueue(queue)
	tracker := NewConversationTracker(time.Duration(cfg.Security.ConversationTTLS)*time.Second, 0)

	upstream := NewHTTPUpstream(cfg, logger)
	interceptor := NewInterceptor(cfg, detector, masker, tracker, upstream, queue, auditStore, m, keys, logger)
	api := NewAPI(cfg, store, manager, eventLog, auditStore, m, queue, keys, custom, tracker, Version, logger)
	ollama := NewOllamaHandler(cfg, interceptor, logger)

	// Routes
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/proxy", interceptor)
	api.Register(mux)
	ollama.Register(mux)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /docs", docsHandler)

	// Apply middleware to the mux, innermost first
	var h http.Handler = mux
	if cfg.Security.EnableRateLimiting {
		h = rateLimit(limiter)(h)
	}
	if cfg.Security.EnableAPIAuth {
		h = authenticate(keys)(h)
	}
	h = securityHeaders(h)
	h = logging(logger)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	h = otelhttp.NewHandler(h, "llmshield")

	bind := cfg.Proxy.Host
	if bind == "" {
		bind = "127.0.0.1"
	}

	// Try configured port, auto-find next available if busy.
	ln, actualPort, err := listenAutoPort(bind, cfg.Proxy.Port, logger)
	if err != nil {
		if cerr := auditStore.Close(); cerr != nil {
			logger.Error("closing audit store", "error", cerr)
		}
		return nil, fmt.Errorf("binding port: %w", err)
	}
	cfg.Proxy.Port = actualPort

	srv := &http.Server{
		Handler:        h,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		ReadTimeout:    15 * time.Second,
		// Writes stay open long enough for slow model replies and streams.
		WriteTimeout: time.Duration(maxProviderTimeout(cfg)+30) * time.Second,
	}

	return &Server{
		cfg:      cfg,
		srv:      srv,
		ln:       ln,
		store:    store,
		manager:  manager,
		events:   eventLog,
		audit:    auditStore,
		queue:    queue,
		tracker:  tracker,
		counters: counters,
		logger:   logger,
	}, nil
}

func maxProviderTimeout(cfg *config.Config) int {
	maxT := 60
	for _, p := range cfg.LLMProviders {
		if p.TimeoutS > maxT {
			maxT = p.TimeoutS
		}
	}
	return maxT
}

func docsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "llmshield",
		"version": Version,
		"endpoints": []string{
			"POST /api/v1/proxy",
			"POST /api/v1/ollama/chat",
			"GET /api/v1/ollama/models",
			"GET /api/v1/rules",
			"GET /api/v1/events",
			"GET /api/v1/metrics",
			"GET /api/v1/health",
			"GET /metrics",
		},
	})
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		// When port is 0 the OS picks one; report the actual port.
		actual := ln.Addr().(*net.TCPAddr).Port
		return ln, actual, nil
	}

	// Check if the error is "address already in use"
	if !errors.Is(err, syscall.EADDRINUSE) && !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		addr = fmt.Sprintf("%s:%d", bind, tryPort)
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	// Portable check: look for "address already in use" in error string
	return err != nil && (errors.Is(err, syscall.EADDRINUSE) ||
		fmt.Sprintf("%v", err) == "address already in use" ||
		// net.OpError wraps the syscall error
		func() bool {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				return errors.Is(opErr.Err, syscall.EADDRINUSE)
			}
			return false
		}())
}

// AuditStore returns the audit store for CLI queries.
func (s *Server) AuditStore() *audit.Store {
	return s.audit
}

// EventLog returns the security event log for CLI queries.
func (s *Server) EventLog() *events.Logger {
	return s.events
}

// Port returns the actual port the server is bound to.
func (s *Server) Port() int {
	return s.cfg.Proxy.Port
}

// Start begins listening. Blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("llmshield gateway starting",
		"addr", s.ln.Addr().String(),
		"api_auth", s.cfg.Security.EnableAPIAuth,
		"rate_limiting", s.cfg.Security.EnableRateLimiting,
		"content_masking", s.cfg.Security.EnableContentMasking,
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.queue.Start(ctx, s.cfg.Proxy.Workers)
	go s.tracker.Run(ctx)
	go s.store.Watch(ctx, time.Duration(s.cfg.Rules.RulesRefreshInterval)*time.Second)

	return s.srv.Serve(s.ln)
}

// Shutdown gracefully stops the server and drains the queue.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	err := s.srv.Shutdown(ctx)
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.queue.Wait()
	if cerr := s.counters.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.audit.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
