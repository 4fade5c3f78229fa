package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

// Engine metrics.
var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow state transitions by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_concurrency_conflicts_total",
		Help: "Optimistic concurrency conflicts observed while committing escrow changes.",
	})

	payoutAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_payout_attempts_total",
			Help: "Payout transfer attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	payoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_payout_transfer_seconds",
		Help:    "Latency of payment gateway transfer calls.",
		Buckets: prometheus.DefBuckets,
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowd_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, conflictsTotal, payoutAttemptsTotal, payoutDuration,
			readyGauge,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts a transition attempt.
func ObserveTransition(event, outcome string) {
	transitionsTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveConflict counts a version mismatch on commit.
func ObserveConflict() {
	conflictsTotal.Inc()
}

// ObservePayout counts a transfer attempt and records its latency.
func ObservePayout(kind, outcome string, took time.Duration) {
	payoutAttemptsTotal.WithLabelValues(kind, outcome).Inc()
	payoutDuration.Observe(took.Seconds())
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with request count, latency and in-flight metrics.
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

// collections whose next path segment is an identifier.
var idCollections = map[string]bool{
	"escrows":    true,
	"milestones": true,
	"disputes":   true,
	"payouts":    true,
}

// CanonicalPath replaces identifiers in known resource paths with ":id" so that
// metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 1; i < len(segs); i++ {
		if idCollections[segs[i-1]] && segs[i] != "" {
			segs[i] = ":id"
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
