package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "donation_service"

// Metrics owns the service's Prometheus collectors. Each instance has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	donations        *prometheus.CounterVec
	ledgerDuration   *prometheus.HistogramVec
	effectFailures   *prometheus.CounterVec
	badgesAwarded    *prometheus.CounterVec
	reconciled       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	rateLimitedTotal prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		donations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donations",
			Name:      "total",
			Help:      "Donation attempts by resulting status.",
		}, []string{"status"}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Duration of ledger gateway calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op", "outcome"}),
		effectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donations",
			Name:      "effect_failures_total",
			Help:      "Post-transfer steps that failed and were left for reconciliation.",
		}, []string{"step"}),
		badgesAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "badges",
			Name:      "awarded_total",
			Help:      "Badges minted by tier.",
		}, []string{"tier"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "donations_total",
			Help:      "Donations touched by reconciliation by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "donations",
			Name:      "rate_limited_total",
			Help:      "Donation attempts rejected by the per-donor rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.donations,
		m.ledgerDuration,
		m.effectFailures,
		m.badgesAwarded,
		m.reconciled,
		m.httpRequests,
		m.httpDuration,
		m.rateLimitedTotal,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The recording helpers below are nil-safe so components can run without metrics.

func (m *Metrics) DonationRecorded(status string) {
	if m == nil {
		return
	}
	m.donations.WithLabelValues(status).Inc()
}

func (m *Metrics) LedgerCall(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerDuration.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) EffectFailed(step string) {
	if m == nil {
		return
	}
	m.effectFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) BadgeAwarded(tier string) {
	if m == nil {
		return
	}
	m.badgesAwarded.WithLabelValues(tier).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

// InstrumentHandler records request counts and latency labelled by chi route pattern.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
