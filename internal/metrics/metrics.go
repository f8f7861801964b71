// Package metrics provides Prometheus instrumentation for the venue engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts sessions opened.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_sessions_started_total",
		Help: "Total trading sessions started",
	})

	// SessionsSettled counts sessions that reached decryption-complete.
	SessionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_sessions_settled_total",
		Help: "Total trading sessions settled",
	})

	// OrdersPlaced counts accepted orders, partitioned by instrument.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_orders_placed_total",
		Help: "Total orders placed",
	}, []string{"instrument"})

	// OrdersCancelled counts cancelled orders.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// DecryptionRequests counts batches submitted to the oracle.
	DecryptionRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_decryption_requests_total",
		Help: "Total decryption batches requested",
	})

	// DecryptionCallbacks counts oracle callbacks by outcome:
	// ok, replayed, bad_proof, bad_layout.
	DecryptionCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_decryption_callbacks_total",
		Help: "Total decryption callbacks received",
	}, []string{"outcome"})

	// EmergencyRefundsEnabled counts sessions moved to the refund path.
	EmergencyRefundsEnabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_emergency_refunds_enabled_total",
		Help: "Total sessions moved to emergency refund",
	})

	// RefundsClaimed counts successful refund claims.
	RefundsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_refunds_claimed_total",
		Help: "Total emergency refund claims",
	})

	// FeePool tracks the accrued plaintext fee pool.
	FeePool = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_fee_pool",
		Help: "Accrued execution fees in base units",
	})

	// WebSocketClients tracks connected event-stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_http_request_duration_seconds",
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

		path := r.URL.Path
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
