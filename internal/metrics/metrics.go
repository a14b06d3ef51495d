// Package metrics provides Prometheus instrumentation for the execution engine.
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
	// DepositsTotal counts ledger credits, partitioned by deposit kind.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_deposits_total",
		Help: "Total number of deposits credited",
	}, []string{"kind"})

	// LedgerRejections counts ledger mutations rejected before mutation.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_ledger_rejections_total",
		Help: "Ledger mutations rejected before any state change",
	}, []string{"op", "reason"})

	// InvariantViolations counts aborted mutations that would have broken
	// the account invariant. Any non-zero value is a defect.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairvest_invariant_violations_total",
		Help: "Ledger mutations aborted by the account invariant check",
	})

	// InvestmentsTotal counts executed investments by path.
	InvestmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_investments_total",
		Help: "Total number of investments executed",
	}, []string{"path"})

	// AllocationsTotal counts delivered allocations by branch.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_allocations_total",
		Help: "Allocations delivered, by converted/direct/fallback branch",
	}, []string{"branch"})

	// VenueLatency tracks conversion call latency by outcome.
	VenueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fairvest_venue_latency_seconds",
		Help:    "Conversion venue call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// QueueOutstanding tracks queued, not yet executed entries.
	QueueOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fairvest_queue_outstanding",
		Help: "Number of queue entries awaiting batch execution",
	})

	// QueueEntriesTotal counts batch entry results and expiries by status.
	QueueEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_queue_entries_total",
		Help: "Queue entry outcomes by status",
	}, []string{"status"})

	// BatchSize tracks the number of ids submitted per batch.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairvest_batch_size",
		Help:    "Queue ids submitted per executeBatch call",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	// BatchLatency tracks executeBatch duration.
	BatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairvest_batch_latency_seconds",
		Help:    "executeBatch duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RevealFailures counts batches aborted at the randomness reveal.
	RevealFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_reveal_failures_total",
		Help: "Batches aborted because randomness could not be revealed",
	}, []string{"reason"})

	// PriceUpdatesTotal counts published price feed updates.
	PriceUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairvest_price_updates_total",
		Help: "Price feed updates published",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fairvest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimitRejections counts requests refused by the API rate limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairvest_rate_limit_rejections_total",
		Help: "Requests rejected by the per-client rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairvest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fairvest_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the WebSocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
