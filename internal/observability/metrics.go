package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"route", "method"},
	)

	ProxiedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxied_requests_total",
			Help: "Total number of requests proxied to model backends",
		},
		[]string{"model", "status"},
	)
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_tokens_total",
			Help: "Total tokens observed per model, by kind (input, output, cache, prompt)",
		},
		[]string{"model", "kind"},
	)

	ModelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_loads_total",
			Help: "Total model load attempts by outcome",
		},
		[]string{"model", "outcome"},
	)
	ModelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_load_duration_seconds",
			Help:    "Time from load-lock acquisition to routing",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)
	ModelEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "model_evictions_total",
			Help: "Total idle models stopped to free device memory",
		},
	)
	ModelIdleReapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "model_idle_reaps_total",
			Help: "Total models stopped by the idle reaper",
		},
	)
	ModelsRouting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "models_routing",
			Help: "Number of models currently in routing state",
		},
	)
	PendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "model_pending_requests",
			Help: "In-flight requests per model",
		},
		[]string{"model"},
	)

	LedgerWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_write_failures_total",
			Help: "Ledger writes dropped after an error",
		},
	)
)

var initOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to call
// more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			ProxiedRequestsTotal,
			TokensTotal,
			ModelLoadsTotal,
			ModelLoadDuration,
			ModelEvictionsTotal,
			ModelIdleReapsTotal,
			ModelsRouting,
			PendingRequests,
			LedgerWriteFailuresTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latency per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
