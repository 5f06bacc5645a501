package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/audio_fetcher/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

// RequestID middleware assigns every HTTP request an ID, reusing an upstream X-Request-ID when present.
// The ID is echoed in the response and stored in the context, where the log handler picks it up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), requestID)))
	})
}

// GetRequestID retrieves the request_id from context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	return logctx.RequestID(ctx)
}
