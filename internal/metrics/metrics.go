// Package metrics provides Prometheus instrumentation for the settlement backend.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerPostings counts posting attempts by source and outcome
	// (posted, duplicate, rejected).
	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_postings_total",
		Help: "Ledger postings by source and outcome",
	}, []string{"source", "outcome"})

	// Settlements counts settled payments by currency.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_settlements_total",
		Help: "Payments settled into the ledger",
	}, []string{"currency"})

	// FeesSwept counts swept fee obligations.
	FeesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_fee_obligations_swept_total",
		Help: "Fee obligations swept into revenue accounts",
	})

	// FeesSweptCents accumulates swept fee+tax amounts per currency.
	FeesSweptCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_fees_swept_cents_total",
		Help: "Fee and tax minor units swept",
	}, []string{"currency"})

	// Payouts counts payout outcomes (created, dispatched, paid, failed, skipped).
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_total",
		Help: "Payout outcomes",
	}, []string{"outcome"})

	// BreakerTransitions counts circuit breaker state changes per dependency.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"name", "to"})

	// UpstreamLatency tracks external adapter call duration.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_upstream_latency_seconds",
		Help:    "External dependency call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"dependency", "operation"})

	// JobRuns counts job runner outcomes (completed, skipped, retried, dead_lettered).
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_job_runs_total",
		Help: "Scheduled job outcomes",
	}, []string{"job", "outcome"})

	// DeadLetters counts jobs that exhausted their retries.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_dead_letters_total",
		Help: "Jobs moved to the dead-letter sink",
	}, []string{"job"})

	// WebhookDeliveries counts inbound webhook deliveries by source and outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhook_deliveries_total",
		Help: "Inbound webhook deliveries",
	}, []string{"source", "outcome"})

	// TaxReportCents reports the last generated monthly tax total per currency.
	TaxReportCents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_tax_report_tax_cents",
		Help: "Tax collected in the last generated monthly report",
	}, []string{"project_id", "currency"})

	// WebSocketClients tracks connected activity feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
