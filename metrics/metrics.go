// Package metrics exposes Prometheus collectors for the reward ledger.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rewardledger"

// Claim outcomes.
const (
	OutcomeClaimed     = "claimed"
	OutcomeNotEligible = "not_eligible"
	OutcomeError       = "error"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "daily_claims_total",
			Help:      "Daily reward claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	diamondsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "diamonds_total",
			Help:      "Diamonds credited or debited, by direction and transaction type.",
		},
		[]string{"direction", "type"},
	)

	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "success"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Ledger events by type and delivery result (delivered, dropped, handler_panic).",
		},
		[]string{"type", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		claims,
		diamondsMoved,
		storeDuration,
		events,
	)
}

var systemOnce sync.Once

// RegisterSystemCollectors adds the process and Go runtime collectors. Safe to call more than once.
func RegisterSystemCollectors() {
	systemOnce.Do(func() {
		Registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	})
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordClaim counts a daily reward claim attempt.
func RecordClaim(outcome string) {
	claims.WithLabelValues(outcome).Inc()
}

// RecordMovement counts diamonds entering (amount > 0) or leaving an account.
func RecordMovement(txType string, amount int64) {
	direction := "credit"
	if amount < 0 {
		direction = "debit"
		amount = -amount
	}
	diamondsMoved.WithLabelValues(direction, txType).Add(float64(amount))
}

// ObserveStore records the latency of a store call.
func ObserveStore(op string, started time.Time, err error) {
	storeDuration.WithLabelValues(op, strconv.FormatBool(err == nil)).Observe(time.Since(started).Seconds())
}

// RecordEvent counts an event bus outcome.
func RecordEvent(eventType, result string) {
	events.WithLabelValues(eventType, result).Inc()
}

// InstrumentHandler is chi middleware collecting per-route HTTP metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
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

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
