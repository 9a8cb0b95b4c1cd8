// Package metrics provides Prometheus instrumentation for the distribution engine.
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
	"github.com/shopspring/decimal"
)

var (
	// BatchesTotal counts finished batches, partitioned by kind and status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_distribution_batches_total",
		Help: "Total number of distribution batches finished",
	}, []string{"kind", "status"})

	// BatchDuration tracks wall time of a batch's primary pass.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yield_distribution_batch_duration_seconds",
		Help:    "Distribution batch duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"})

	// TasksTotal counts task attempts by outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_distribution_tasks_total",
		Help: "Total distribution task attempts by outcome",
	}, []string{"status"})

	// PayoutsRecorded counts payout records, split by whether the row was
	// newly created or already present for the day.
	PayoutsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_payouts_recorded_total",
		Help: "Payout records created or found existing",
	}, []string{"result"})

	// DistributedAmount tracks cumulative yield settled.
	DistributedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_distributed_amount_total",
		Help: "Cumulative yield amount settled",
	})

	// SettlementLatency tracks transfer latency by result.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yield_settlement_latency_seconds",
		Help:    "Settlement transfer latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10, 30},
	}, []string{"result"})

	// ActiveBatches tracks batches currently executing a pass.
	ActiveBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yield_active_batches",
		Help: "Number of distribution batches currently executing",
	})

	// HealthCheckStatus is 1 when the named pre-flight check passes.
	HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yield_health_check_status",
		Help: "Health gate check result (1 = healthy)",
	}, []string{"check"})

	// AlertsTotal counts alerts raised, by kind.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_alerts_total",
		Help: "Total alerts raised",
	}, []string{"kind"})

	// OutboxPublished counts events relayed from the outbox.
	OutboxPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_outbox_published_total",
		Help: "Outbox events published to the broker",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yield_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yield_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// AddDistributed adds a settled decimal amount to DistributedAmount.
func AddDistributed(amount decimal.Decimal) {
	f, _ := amount.Float64()
	if f > 0 {
		DistributedAmount.Add(f)
	}
}

// SetHealth records a health check outcome.
func SetHealth(check string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	HealthCheckStatus.WithLabelValues(check).Set(v)
}

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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
