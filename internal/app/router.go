// Package app assembles the HTTP router.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/llm-manager/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/observability"
)

// NewRouter builds the full route tree: the operator API under CORS and rate
// limiting, and the catch-all model proxy, which answers its own CORS
// preflights and must not sit behind a timeout handler (streams run for
// minutes).
func NewRouter(cfg config.Config, srv *httpserver.Server, proxy *httpserver.Proxy) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.SecurityHeaders)

	r.Group(func(g chi.Router) {
		g.Use(cors.Handler(cors.Options{
			AllowedOrigins:   splitOrigins(cfg.CORSAllowOrigins),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		g.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		g.Get("/health", srv.Health)
		g.Get("/api/models/status", srv.ModelsStatus)
		g.Post("/api/models/{alias}/start", srv.StartModel)
		g.Post("/api/models/{alias}/stop", srv.StopModel)
		g.Get("/api/models/{alias}/logs", srv.ModelLogs)
		g.Get("/api/devices/info", srv.DevicesInfo)
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/models", srv.ListModels)

	// Everything else is an inference request for some backend.
	r.Handle("/*", proxy)
	return r
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
