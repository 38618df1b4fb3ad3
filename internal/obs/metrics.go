package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the API layer.
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

// Domain metrics for the token manager and ticket orchestrator.
var (
	TicketTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sire_ticket_transitions_total",
			Help: "Ticket state transitions by target status.",
		},
		[]string{"operation", "status"},
	)

	TokenRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sire_token_renewals_total",
			Help: "Token renewal attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sire_active_sessions",
		Help: "Sessions currently held in the in-memory tier.",
	})

	RemoteCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sire_remote_calls_total",
			Help: "Calls to the SUNAT platform by outcome.",
		},
		[]string{"outcome"},
	)

	SweepExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sire_sweep_expired_total",
		Help: "Tickets expired by the periodic sweep.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		TicketTransitions, TokenRenewals, ActiveSessions, RemoteCalls, SweepExpired,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an http.Handler with RPS/latency/in-flight measurements.
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

// CanonicalPath collapses per-ticket path segments so metric label
// cardinality stays bounded. Query strings are stripped.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "tickets" && parts[3] != "" {
		switch parts[3] {
		case "stats", "events":
			return path
		}
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
