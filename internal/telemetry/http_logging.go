package telemetry

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/audio_fetcher/internal/logctx"
)

// health and scrape paths are hit every few seconds and only logged at DEBUG
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// statusWriter wraps http.ResponseWriter to capture the status code and the bytes served.
type statusWriter struct {
	http.ResponseWriter

	status      int
	written     int64
	wroteHeader bool
}

func (rw *statusWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)

	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPLogging logs every HTTP request, at ERROR for 5xx, WARN for 4xx and INFO otherwise.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"size", humanize.Bytes(uint64(wrapped.written)),
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case wrapped.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case wrapped.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		case quietPaths[r.URL.Path]:
			logger.DebugContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}
