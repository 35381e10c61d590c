// Package metrics exposes gateway counters both as a Prometheus endpoint
// and as a JSON snapshot for the management API.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueStats is implemented by the request queue.
type QueueStats interface {
	Depths() (high, normal, low int)
	Active() int
	Expired() int64
	Processed() int64
}

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	blocked  *prometheus.CounterVec
	masked   prometheus.Counter
	latency  *prometheus.HistogramVec

	mu        sync.Mutex
	started   time.Time
	byStatus  map[string]int64
	byKind    map[string]int64
	maskCount int64
	total     int64
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmshield_requests_total",
			Help: "Requests processed by the gateway, by provider and outcome.",
		}, []string{"provider", "status"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmshield_blocked_total",
			Help: "Requests and responses blocked, by detection type.",
		}, []string{"detection_type"}),
		masked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmshield_masked_values_total",
			Help: "Sensitive values masked in responses.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmshield_request_duration_seconds",
			Help:    "End to end request latency, by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		started:  time.Now(),
		byStatus: make(map[string]int64),
		byKind:   make(map[string]int64),
	}

	reg.MustRegister(m.requests, m.blocked, m.masked, m.latency)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// RegisterQueue exposes queue depths and the active request count as
// gauges.
func (m *Metrics) RegisterQueue(q QueueStats) {
	lane := func(name string, fn func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "llmshield_queue_depth",
			Help:        "Queued requests per priority lane.",
			ConstLabels: prometheus.Labels{"priority": name},
		}, fn)
	}
	m.registry.MustRegister(
		lane("high", func() float64 { h, _, _ := q.Depths(); return float64(h) }),
		lane("normal", func() float64 { _, n, _ := q.Depths(); return float64(n) }),
		lane("low", func() float64 { _, _, l := q.Depths(); return float64(l) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "llmshield_active_requests",
			Help: "Requests currently executing.",
		}, func() float64 { return float64(q.Active()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "llmshield_queue_expired_total",
			Help: "Requests discarded after waiting past their deadline.",
		}, func() float64 { return float64(q.Expired()) }),
	)
}

// ObserveRequest records a completed request.
func (m *Metrics) ObserveRequest(provider, status string, latency time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	m.requests.WithLabelValues(provider, status).Inc()
	m.latency.WithLabelValues(provider).Observe(latency.Seconds())

	m.mu.Lock()
	m.byStatus[status]++
	m.total++
	m.mu.Unlock()
}

// ObserveBlock records a detection verdict that blocked traffic.
func (m *Metrics) ObserveBlock(detectionKind string) {
	if detectionKind == "" {
		detectionKind = "unknown"
	}
	m.blocked.WithLabelValues(detectionKind).Inc()

	m.mu.Lock()
	m.byKind[detectionKind]++
	m.mu.Unlock()
}

// ObserveMasked records masked sensitive values.
func (m *Metrics) ObserveMasked(count int) {
	m.masked.Add(float64(count))

	m.mu.Lock()
	m.maskCount += int64(count)
	m.mu.Unlock()
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot is the JSON view of the counters.
type Snapshot struct {
	UptimeSeconds  float64          `json:"uptime_seconds"`
	TotalRequests  int64            `json:"total_requests"`
	ByStatus       map[string]int64 `json:"by_status"`
	BlockedByKind  map[string]int64 `json:"blocked_by_type"`
	MaskedValues   int64            `json:"masked_values"`
	QueueHigh      int              `json:"queue_high"`
	QueueNormal    int              `json:"queue_normal"`
	QueueLow       int              `json:"queue_low"`
	ActiveRequests int              `json:"active_requests"`
	QueueExpired   int64            `json:"queue_expired"`
	QueueProcessed int64            `json:"queue_processed"`
}

// SnapshotJSON builds the JSON counters view. q may be nil.
func (m *Metrics) SnapshotJSON(q QueueStats) Snapshot {
	m.mu.Lock()
	s := Snapshot{
		UptimeSeconds: time.Since(m.started).Seconds(),
		TotalRequests: m.total,
		ByStatus:      make(map[string]int64, len(m.byStatus)),
		BlockedByKind: make(map[string]int64, len(m.byKind)),
		MaskedValues:  m.maskCount,
	}
	for k, v := range m.byStatus {
		s.ByStatus[k] = v
	}
	for k, v := range m.byKind {
		s.BlockedByKind[k] = v
	}
	m.mu.Unlock()

	if q != nil {
		s.QueueHigh, s.QueueNormal, s.QueueLow = q.Depths()
		s.ActiveRequests = q.Active()
		s.QueueExpired = q.Expired()
		s.QueueProcessed = q.Processed()
	}
	return s
}
