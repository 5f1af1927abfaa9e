// Package metrics provides Prometheus instrumentation for the option pool.
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
	// ActiveSeries tracks the size of the exposure ledger's active set.
	ActiveSeries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpool_active_series",
		Help: "Number of series in the active set",
	})

	// FulfillLatency tracks how long portfolio valuation takes.
	FulfillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optionpool_fulfill_latency_seconds",
		Help:    "Portfolio snapshot fulfill latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// QuotesTotal counts quotes issued, partitioned by side.
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpool_quotes_total",
		Help: "Total number of quotes issued",
	}, []string{"side"})

	// TradesTotal counts trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpool_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency by side.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionpool_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// Rejections counts failed operations by operation and error class.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpool_rejections_total",
		Help: "Operations rejected, by operation and error class",
	}, []string{"op", "class"})

	// EpochExecutions counts executed epochs; deferred withdrawals are
	// labelled separately.
	EpochExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpool_epoch_executions_total",
		Help: "Epoch calculations executed",
	}, []string{"withdrawal"})

	// PricePerShare is the last fixed deposit epoch price.
	PricePerShare = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpool_price_per_share",
		Help: "Price per share fixed by the last executed epoch",
	})

	// PendingDeposits is reserve deposited and not yet converted.
	PendingDeposits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpool_pending_deposits",
		Help: "Deposits awaiting the next epoch",
	})

	// PendingWithdrawals is shares escrowed for the next withdrawal epoch.
	PendingWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpool_pending_withdrawals",
		Help: "Shares awaiting the next withdrawal epoch",
	})

	// PartitionedFunds is reserve segregated for completed withdrawals.
	PartitionedFunds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionpool_partitioned_funds",
		Help: "Reserve segregated for withdrawers",
	})

	// StoreMirrorFailures counts persistence writes that failed after the
	// in-memory operation succeeded.
	StoreMirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpool_store_mirror_failures_total",
		Help: "Failed store mirror writes",
	})

	// EventPublishFailures counts events that could not be delivered.
	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionpool_event_publish_failures_total",
		Help: "Failed event publications",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionpool_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionpool_http_request_duration_seconds",
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

		// Label by route pattern to bound cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
