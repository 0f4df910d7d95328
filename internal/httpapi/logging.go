package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"qms/visit-service/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type traceContextKey struct{}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush and deadlines on the
// underlying writer for streaming responses.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func TraceIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(traceContextKey{}).(string)
	return value
}

// traceIDFromRequest prefers the caller's correlation id and only mints one
// when none was sent.
func traceIDFromRequest(r *http.Request) string {
	if value := strings.TrimSpace(r.Header.Get("X-Trace-ID")); value != "" {
		return value
	}
	if value := strings.TrimSpace(r.Header.Get("X-Request-ID")); value != "" {
		return value
	}
	return uuid.NewString()
}

func LoggingMiddleware(logger zerolog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := traceIDFromRequest(r)
		w.Header().Set("X-Trace-ID", traceID)
		req := r.WithContext(context.WithValue(r.Context(), traceContextKey{}, traceID))

		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, req)
		duration := time.Since(start)

		pattern := req.Pattern
		if i := strings.IndexByte(pattern, ' '); i >= 0 {
			pattern = pattern[i+1:]
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		m.ObserveHTTP(r.Method, pattern, writer.status, duration)

		event := logger.Info()
		if writer.status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if writer.status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("trace_id", traceID).
			Str("actor_id", r.Header.Get(headerActorID)).
			Msg("request")
	})
}
