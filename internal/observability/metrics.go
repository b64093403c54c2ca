package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the royalty engine.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	fxFallbackTotal    *prometheus.CounterVec
	statementsComputed prometheus.Counter
	statementEvents    prometheus.Histogram
	recoupmentApplied  prometheus.Counter
	waterfallLockWaits prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundledger_http_requests_total",
		Help: "HTTP request count by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soundledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	fxFallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soundledger_fx_fallback_total",
		Help: "Currency conversions that fell back to a 1.0 rate because no exchange rate row was found.",
	}, []string{"from", "to"})
	statements := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundledger_statements_computed_total",
		Help: "Period statements computed by the aggregator.",
	})
	events := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundledger_statement_events",
		Help:    "Revenue events scanned per statement computation.",
		Buckets: prometheus.ExponentialBuckets(10, 4, 8),
	})
	recouped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundledger_recoupment_applied_usd_total",
		Help: "Total USD applied against recoupment accounts.",
	})
	lockWaits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soundledger_waterfall_lock_contention_total",
		Help: "Waterfall passes that had to wait for the per-user lock.",
	})
	registry.MustRegister(requests, duration, fxFallback, statements, events, recouped, lockWaits)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		fxFallbackTotal:    fxFallback,
		statementsComputed: statements,
		statementEvents:    events,
		recoupmentApplied:  recouped,
		waterfallLockWaits: lockWaits,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveFxFallback counts a conversion that defaulted to rate 1.0.
func (m *Metrics) ObserveFxFallback(from, to string) {
	if m == nil {
		return
	}
	m.fxFallbackTotal.WithLabelValues(from, to).Inc()
}

// ObserveStatement records a completed statement computation.
func (m *Metrics) ObserveStatement(eventCount int) {
	if m == nil {
		return
	}
	m.statementsComputed.Inc()
	m.statementEvents.Observe(float64(eventCount))
}

// ObserveRecoupment records USD applied against recoupment balances.
func (m *Metrics) ObserveRecoupment(amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.recoupmentApplied.Add(amount)
}

// ObserveLockContention counts a waterfall pass that waited on the user lock.
func (m *Metrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.waterfallLockWaits.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
