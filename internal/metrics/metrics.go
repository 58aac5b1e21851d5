// Package metrics exposes Prometheus collectors for generation calls, graph
// nodes, retrieval and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deepresearch"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomePlaceholder = "placeholder"
	OutcomeRejected    = "rejected"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	BuildInfo          *prometheus.GaugeVec
	GenerationCalls    *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	GenerationTokens   *prometheus.CounterVec
	GenerationRetries  *prometheus.CounterVec
	CircuitOpen        *prometheus.GaugeVec
	NodeDuration       *prometheus.HistogramVec
	RetrievalResults   *prometheus.CounterVec
	Runs               *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers all collectors on reg. Passing nil uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the running binary.",
		}, []string{"version", "commit", "date"}),
		GenerationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_calls_total",
			Help:      "Generation calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation calls including retries.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "operation"}),
		GenerationTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"provider", "direction"}),
		GenerationRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Client-level retries of generation calls.",
		}, []string{"provider"}),
		CircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_circuit_open",
			Help:      "1 while the provider circuit breaker is open.",
		}, []string{"provider"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of graph node executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"graph", "node", "outcome"}),
		RetrievalResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_results_total",
			Help:      "Retrieval lookups by source and outcome.",
		}, []string{"source", "outcome"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Research runs reaching a status.",
		}, []string{"status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo publishes version labels.
func (m *Metrics) SetBuildInfo(version, commit, date string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// ObserveGeneration records one logical generation call.
func (m *Metrics) ObserveGeneration(provider, operation, outcome string, d time.Duration, tokensIn, tokensOut int) {
	if m == nil {
		return
	}
	m.GenerationCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.GenerationDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if tokensIn > 0 {
		m.GenerationTokens.WithLabelValues(provider, "input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.GenerationTokens.WithLabelValues(provider, "output").Add(float64(tokensOut))
	}
}

// IncGenerationRetry counts a client-level retry.
func (m *Metrics) IncGenerationRetry(provider string) {
	if m == nil {
		return
	}
	m.GenerationRetries.WithLabelValues(provider).Inc()
}

// SetCircuitOpen reflects the breaker state.
func (m *Metrics) SetCircuitOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(provider).Set(v)
}

// ObserveNode records a node execution.
func (m *Metrics) ObserveNode(graph, node, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeDuration.WithLabelValues(graph, node, outcome).Observe(d.Seconds())
}

// IncRetrieval counts a retrieval lookup.
func (m *Metrics) IncRetrieval(source, outcome string) {
	if m == nil {
		return
	}
	m.RetrievalResults.WithLabelValues(source, outcome).Inc()
}

// IncRun counts a run reaching status.
func (m *Metrics) IncRun(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

// Middleware records request counts and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
