package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: completion streams opened, by backend kind and outcome.
	CompletionStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpy_completion_streams_total",
			Help: "Chat completion streams by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	// Counter: deltas forwarded to clients.
	CompletionDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpy_completion_deltas_total",
			Help: "Streamed completion deltas forwarded to clients.",
		},
		[]string{"backend"},
	)

	// Counter: summary cache lookups by result (hit, miss, error) and
	// entries dropped when their model is retired (forgotten).
	SummaryCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erpy_summary_cache_total",
			Help: "Summary cache lookups by result, plus entries forgotten on model swap.",
		},
		[]string{"result"},
	)

	// Gauge: 1 for the loaded backend kind, 0 otherwise.
	ActiveBackend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "erpy_active_backend",
			Help: "Currently loaded completion backend.",
		},
		[]string{"backend"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erpy_http_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"route", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register registers every collector with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CompletionStreamsTotal,
			CompletionDeltasTotal,
			SummaryCacheTotal,
			ActiveBackend,
			HTTPLatencySeconds,
		)
	})
}

// SetActiveBackend marks kind as the only loaded backend; "" clears it.
func SetActiveBackend(kinds []string, kind string) {
	for _, k := range kinds {
		v := 0.0
		if k == kind {
			v = 1
		}
		ActiveBackend.WithLabelValues(k).Set(v)
	}
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request, labelled by the chi
// route pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
