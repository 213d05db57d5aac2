// Package metrics provides Prometheus instrumentation for the auction engine.
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
	// BidsAccepted counts committed bids.
	BidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_bids_accepted_total",
		Help: "Total number of bids accepted",
	})

	// BidsRejected counts rejected bids by error reason.
	BidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_rejected_total",
		Help: "Bids rejected, partitioned by reason",
	}, []string{"reason"})

	BidLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_bid_latency_seconds",
		Help:    "Bid placement latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// IdempotentReplays counts bids answered from a stored response.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_idempotent_replays_total",
		Help: "Bid requests answered from the idempotency store",
	})

	AuctionsExtended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_extensions_total",
		Help: "Soft-close extensions applied",
	})

	// AuctionsFinalized counts finalized auctions by outcome (sold, unsold).
	AuctionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_finalized_total",
		Help: "Auctions finalized by the tick worker",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_tick_duration_seconds",
		Help:    "Duration of one tick pass",
		Buckets: prometheus.DefBuckets,
	})

	TickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_tick_failures_total",
		Help: "Auctions that failed processing during a tick",
	})

	// Settlements counts ledger settlements by result (posted, duplicate, skipped).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_settlements_total",
		Help: "Ledger settlements recorded for payouts",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auction_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auction_http_request_duration_seconds",
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

		// Label by route pattern so auction ids don't explode cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
