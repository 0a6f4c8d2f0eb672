// Package metrics exposes Prometheus collectors for the app server that
// feeds the browser during a run.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP records request counts, latencies and entry-document fallbacks.
// A nil *HTTP is valid and records nothing.
type HTTP struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	fallbacks prometheus.Counter
}

// NewHTTP registers the server collectors on reg. It panics if they are
// already registered, so call it once per registry.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	factory := promauto.With(reg)
	return &HTTP{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_server_requests_total",
				Help: "Requests served to the browser, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_server_request_duration_seconds",
				Help:    "Histogram of app server latencies, labeled by method.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method"},
		),
		fallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_server_entry_fallbacks_total",
				Help: "Requests answered with the entry document instead of a static file.",
			},
		),
	}
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *HTTP) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.ObserveRequest(r.Method, ww.Status(), time.Since(start))
	})
}

// ObserveRequest records one completed request.
func (m *HTTP) ObserveRequest(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if code == 0 {
		code = http.StatusOK
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveFallback counts a request served with the entry document.
func (m *HTTP) ObserveFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
