// Package metrics provides Prometheus instrumentation for the flip ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// EventsIngested counts ingested trade events by offer type and outcome
	// (new, update, stale, invalid, error).
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipledger_events_ingested_total",
		Help: "Trade fill events processed, by offer type and outcome",
	}, []string{"offer_type", "outcome"})

	// MatchesRecorded counts TradeMatch rows written.
	MatchesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_matches_recorded_total",
		Help: "Trade matches recorded by the FIFO engine",
	})

	// MatchedQuantity tracks cumulative matched item quantity.
	MatchedQuantity = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_matched_quantity_total",
		Help: "Cumulative item quantity matched against open lots",
	})

	// UnmatchedQuantity tracks sell quantity with no open lot to match.
	UnmatchedQuantity = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_unmatched_sell_quantity_total",
		Help: "Cumulative sell quantity left unmatched after exhausting open lots",
	})

	// RealizedProfit tracks net pre-tax profit in gp. A gauge, since losing
	// matches subtract.
	RealizedProfit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flipledger_realized_profit_gp",
		Help: "Cumulative pre-tax realized profit in gp (losses subtract)",
	})

	// LotsOpened counts lots created from completed buys.
	LotsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_lots_opened_total",
		Help: "Open lots created from completed buy events",
	})

	// LedgerPassLatency tracks one (account, item) unit of work, by effect.
	LedgerPassLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flipledger_ledger_pass_seconds",
		Help:    "Ledger unit-of-work latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"effect"})

	// ConflictRetries counts ledger passes retried after losing a lock race.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_ledger_conflict_retries_total",
		Help: "Ledger passes retried after a lock or serialization conflict",
	})

	// RateLimitRejections counts batches rejected by the daily limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipledger_rate_limit_rejections_total",
		Help: "Trade batches rejected by the daily event limit",
	})

	// WebSocketClients tracks connected feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flipledger_websocket_clients",
		Help: "Number of connected ledger feed clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flipledger_http_request_duration_seconds",
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

// Hijack implements http.Hijacker so WebSocket upgrades work through the
// middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}
