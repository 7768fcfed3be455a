// Package metrics exposes Prometheus instrumentation for the chat service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	chatMessages   *prometheus.CounterVec
	agentRebuilds  *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	datasetLoads   *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletalk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabletalk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		chatMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletalk_chat_messages_total",
				Help: "Chat messages processed, by outcome",
			},
			[]string{"status"},
		),
		agentRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletalk_agent_rebuilds_total",
				Help: "Agent instances constructed, by trigger",
			},
			[]string{"reason"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletalk_tool_calls_total",
				Help: "Dataset tool invocations",
			},
			[]string{"tool", "status"},
		),
		datasetLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabletalk_dataset_loads_total",
				Help: "Dataset uploads, by outcome",
			},
			[]string{"status"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabletalk_active_sessions",
				Help: "Number of live chat sessions",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.chatMessages,
		m.agentRebuilds,
		m.toolCalls,
		m.datasetLoads,
		m.activeSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ChatMessage counts a processed chat message ("ok", "upstream_error", "rejected").
func (m *Metrics) ChatMessage(status string) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(status).Inc()
}

// AgentRebuilt counts an agent construction.
func (m *Metrics) AgentRebuilt(reason string) {
	if m == nil {
		return
	}
	m.agentRebuilds.WithLabelValues(reason).Inc()
}

// ToolCalled counts a tool execution.
func (m *Metrics) ToolCalled(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

// DatasetLoaded counts an upload attempt.
func (m *Metrics) DatasetLoaded(status string) {
	if m == nil {
		return
	}
	m.datasetLoads.WithLabelValues(status).Inc()
}

// SetActiveSessions updates the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
