// Package metrics provides Prometheus instrumentation for the option broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/option-broker/internal/model"
)

var (
	// ParticipationsTotal counts participations, partitioned by voting power.
	ParticipationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbroker_participations_total",
		Help: "Total number of lock participations",
	}, []string{"voting"})

	// ExitsTotal counts exits that removed a participation.
	ExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbroker_exits_total",
		Help: "Total number of participation exits",
	})

	// ExercisesTotal counts exercised options by payment token.
	ExercisesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbroker_exercises_total",
		Help: "Total number of exercised options",
	}, []string{"payment_token"})

	// ExerciseLatency tracks exercise settlement latency.
	ExerciseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optbroker_exercise_latency_seconds",
		Help:    "Option exercise latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OperationFailures counts failed operations by operation and error kind.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbroker_operation_failures_total",
		Help: "Failed broker operations",
	}, []string{"op", "kind"})

	// CurrentEpoch is the latest epoch number.
	CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optbroker_current_epoch",
		Help: "Current epoch number",
	})

	// RewardEmitted tracks cumulative reward minted, in whole tokens.
	RewardEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbroker_reward_emitted_tokens_total",
		Help: "Cumulative reward tokens minted by epochs",
	})

	// PoolDeposited tracks the deposited total per pool, in whole tokens.
	PoolDeposited = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optbroker_pool_deposited_tokens",
		Help: "Total deposited per pool",
	}, []string{"pool_id"})

	// EventPublishFailures counts events a sink failed to accept.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbroker_event_publish_failures_total",
		Help: "Events that failed to reach a sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optbroker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbroker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optbroker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Tokens converts a base-unit amount to whole tokens for gauges.
func Tokens(x sdkmath.Int) float64 {
	return model.Units(x).InexactFloat64()
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

		// Route pattern keeps label cardinality bounded.
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
