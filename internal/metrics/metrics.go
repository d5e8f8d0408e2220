// Package metrics provides Prometheus instrumentation for the P&L engine.
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
	// RecomputesTotal counts full recompute passes by outcome
	// (ok, stale, failed).
	RecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_recomputes_total",
		Help: "Total number of full portfolio recomputes",
	}, []string{"outcome"})

	RecomputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pnl_recompute_duration_seconds",
		Help:    "Full recompute latency in seconds, including price lookups",
		Buckets: prometheus.DefBuckets,
	})

	// PriceTicksTotal counts incremental price ticks, partitioned by whether
	// they changed a position.
	PriceTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_price_ticks_total",
		Help: "Price ticks received by the engine",
	}, []string{"result"})

	// DiagnosticsTotal counts recovered per-trade and per-symbol problems by kind.
	DiagnosticsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_diagnostics_total",
		Help: "Recovered recompute diagnostics by kind",
	}, []string{"kind"})

	PriceLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_price_lookup_failures_total",
		Help: "Price lookups that failed during a recompute",
	})

	// OpenPositions tracks the number of visible (open) positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_open_positions",
		Help: "Number of currently open positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
