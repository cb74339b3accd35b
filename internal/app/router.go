// Package app assembles the HTTP surface: middleware chain, routes, and the
// worker WebSocket endpoint.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-chat-bridge/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bridge/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// wsHandler serves the worker WebSocket endpoint.
func BuildRouter(cfg config.Config, srv *httpserver.Server, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS stays open: completion clients are arbitrary tools, and worker
	// userscripts connect from whatever chat site they automate.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The upgrade endpoint must not sit behind http.TimeoutHandler, which
	// forbids connection hijacking.
	r.Handle("/ws", wsHandler)

	// Completions hold the connection for up to the full response wait.
	r.Group(func(cr chi.Router) {
		cr.Use(httpserver.TimeoutMiddleware(cfg.ResponseWait + 15*time.Second))
		cr.Post("/v1/chat/completions", srv.ChatCompletionsHandler())
	})

	// Everything else answers immediately.
	r.Group(func(qr chi.Router) {
		qr.Use(httpserver.TimeoutMiddleware(10 * time.Second))
		qr.Get("/", srv.RootHandler())
		qr.Get("/health", srv.HealthHandler())
		qr.Get("/stats", srv.StatsHandler())
		qr.Get("/v1/models", srv.ModelsHandler())
		qr.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	return httpserver.SecurityHeaders(r)
}
