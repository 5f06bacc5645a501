// Package rest is the HTTP surface of the fetch engine.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/audio_fetcher/internal/telemetry"
)

// NewRouter mounts the request API under /api/v1 next to the unauthenticated /healthz and /metrics.
func NewRouter(requests *RequestsHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/api/v1", otelhttp.NewHandler(requests.Routes(), "api"))

	return r
}
