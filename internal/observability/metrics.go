package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the ledger.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts prometheus.Counter
	idempotentReplays    prometheus.Counter
	insufficientStock    prometheus.Counter
	projectionStale      prometheus.Counter
	lowStockAlerts       prometheus.Counter
	orphanTransfers      prometheus.Gauge
}

// NewMetrics initialises the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	eventsAppended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_events_appended_total",
		Help: "Events appended to the log by event type.",
	}, []string{"event_type"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_concurrency_conflicts_total",
		Help: "Appends that failed the optimistic version check.",
	})
	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_idempotent_replays_total",
		Help: "Commands answered from a stored idempotency key.",
	})
	insufficient := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_insufficient_stock_total",
		Help: "Commands rejected for insufficient stock.",
	})
	stale := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_projection_stale_total",
		Help: "Appends whose projection fold failed and needs a rebuild.",
	})
	lowStock := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_low_stock_alerts_total",
		Help: "Low stock alerts published by the reorder collaborator.",
	})
	orphans := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_orphan_transfers",
		Help: "Transfers debited at the source with no matching credit.",
	})
	registry.MustRegister(requests, duration, eventsAppended, conflicts, replays, insufficient, stale, lowStock, orphans)
	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:        requests,
		requestDuration:      duration,
		eventsAppended:       eventsAppended,
		concurrencyConflicts: conflicts,
		idempotentReplays:    replays,
		insufficientStock:    insufficient,
		projectionStale:      stale,
		lowStockAlerts:       lowStock,
		orphanTransfers:      orphans,
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

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// IncEventAppended counts a stored event by type.
func (m *Metrics) IncEventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// IncConcurrencyConflict counts an exhausted optimistic append.
func (m *Metrics) IncConcurrencyConflict() {
	if m == nil {
		return
	}
	m.concurrencyConflicts.Inc()
}

// IncIdempotentReplay counts a command served from its idempotency key.
func (m *Metrics) IncIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

// IncInsufficientStock counts a rejected oversell.
func (m *Metrics) IncInsufficientStock() {
	if m == nil {
		return
	}
	m.insufficientStock.Inc()
}

// IncProjectionStale counts a fold failure after a successful append.
func (m *Metrics) IncProjectionStale() {
	if m == nil {
		return
	}
	m.projectionStale.Inc()
}

// IncLowStockAlert counts a published low stock alert.
func (m *Metrics) IncLowStockAlert() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

// SetOrphanTransfers records the current orphan count from a sweep.
func (m *Metrics) SetOrphanTransfers(n int) {
	if m == nil {
		return
	}
	m.orphanTransfers.Set(float64(n))
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
