package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	movementsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_movements_total",
			Help: "Ledger movements appended, by direction and category.",
		},
		[]string{"direction", "category"},
	)

	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Instrument settlements, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	reversalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_reversals_total",
		Help: "Settlement reversals executed.",
	})

	reconciliationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_movements_total",
			Help: "Bank movements processed, by resulting status.",
		},
		[]string{"status"},
	)

	reconciliationEscalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_escalations_total",
		Help: "Bank movements escalated as stale.",
	})

	consistencyViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_consistency_violations_total",
		Help: "Balance chain violations detected. Any non-zero value needs manual review.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		movementsRecorded, settlementsTotal, reversalsTotal,
		reconciliationOutcomes, reconciliationEscalations, consistencyViolations,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMovement counts a recorded ledger movement.
func ObserveMovement(direction, category string) {
	movementsRecorded.WithLabelValues(direction, category).Inc()
}

// ObserveSettlement counts a settlement attempt outcome ("ok" or "error").
func ObserveSettlement(kind, outcome string) {
	settlementsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveReversal counts a settlement reversal.
func ObserveReversal() { reversalsTotal.Inc() }

// ObserveReconciliation counts a processed bank movement by final status.
func ObserveReconciliation(status string) {
	reconciliationOutcomes.WithLabelValues(status).Inc()
}

// ObserveEscalation counts a stale-movement escalation.
func ObserveEscalation() { reconciliationEscalations.Inc() }

// ObserveConsistencyViolation counts a detected balance chain violation.
func ObserveConsistencyViolation() { consistencyViolations.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
