package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	opDurationBuckets   = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus instruments of the service.
type Metrics struct {
	reg prometheus.Gatherer

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SubmissionsTotal       *prometheus.CounterVec
	DecisionsTotal         *prometheus.CounterVec
	RefusedDecisionsTotal  *prometheus.CounterVec
	CompletionsTotal       *prometheus.CounterVec
	CancellationsTotal     prometheus.Counter
	OperationDuration      *prometheus.HistogramVec
	IdempotentReplaysTotal prometheus.Counter

	MembershipCacheHitsTotal   prometheus.Counter
	MembershipCacheMissesTotal prometheus.Counter
	TemplatesLoaded            prometheus.Gauge
}

// InitMetrics creates the instruments and registers them with reg.
func InitMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_submissions_total",
			Help: "Approval requests submitted, by template and outcome.",
		}, []string{"template", "outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_decisions_total",
			Help: "Step decisions recorded.",
		}, []string{"decision"}),
		RefusedDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_refused_decisions_total",
			Help: "Decisions refused by the transition engine, by error code.",
		}, []string{"decision", "code"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_completions_total",
			Help: "Approval requests that reached a terminal status.",
		}, []string{"status"}),
		CancellationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_cancellations_total",
			Help: "Approval requests cancelled administratively.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_operation_duration_seconds",
			Help:    "Engine operation duration in seconds, lock wait included.",
			Buckets: opDurationBuckets,
		}, []string{"operation"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_idempotent_replays_total",
			Help: "Submissions answered from the idempotency store.",
		}),

		MembershipCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_membership_cache_hits_total",
			Help: "Role membership cache hits.",
		}),
		MembershipCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_membership_cache_misses_total",
			Help: "Role membership cache misses.",
		}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_templates_loaded",
			Help: "Number of flow templates in the catalog.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SubmissionsTotal,
		m.DecisionsTotal,
		m.RefusedDecisionsTotal,
		m.CompletionsTotal,
		m.CancellationsTotal,
		m.OperationDuration,
		m.IdempotentReplaysTotal,
		m.MembershipCacheHitsTotal,
		m.MembershipCacheMissesTotal,
		m.TemplatesLoaded,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordSubmission records a submit outcome ("created" or an error code).
func (m *Metrics) RecordSubmission(template, outcome string) {
	m.SubmissionsTotal.WithLabelValues(template, outcome).Inc()
}

// RecordDecision records an accepted decision ("approve" or "reject").
func (m *Metrics) RecordDecision(decision string) {
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordRefusedDecision records a decision the engine refused.
func (m *Metrics) RecordRefusedDecision(decision, code string) {
	m.RefusedDecisionsTotal.WithLabelValues(decision, code).Inc()
}

// RecordCompletion records a request reaching a terminal status.
func (m *Metrics) RecordCompletion(status string) {
	m.CompletionsTotal.WithLabelValues(status).Inc()
}

// RecordCancellation records an administrative cancel.
func (m *Metrics) RecordCancellation() {
	m.CancellationsTotal.Inc()
	m.CompletionsTotal.WithLabelValues("CANCELLED").Inc()
}

// ObserveOperation records the duration of an engine operation.
func (m *Metrics) ObserveOperation(operation string, duration time.Duration) {
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIdempotentReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordMembershipCache records a membership cache lookup.
func (m *Metrics) RecordMembershipCache(hit bool) {
	if hit {
		m.MembershipCacheHitsTotal.Inc()
		return
	}
	m.MembershipCacheMissesTotal.Inc()
}

// SetTemplatesLoaded sets the number of loaded templates.
func (m *Metrics) SetTemplatesLoaded(n int) {
	m.TemplatesLoaded.Set(float64(n))
}

// MetricsMiddleware records request metrics labelled with chi's route pattern
// rather than the raw path, which would carry request IDs.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
