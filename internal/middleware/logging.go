// Package middleware provides common HTTP middleware for the bridge's
// admin and observability surface: structured logging, request ids,
// panic recovery, body limits, and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dskow/ble-bridge/internal/routing"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController. The
// websocket upgrade hijacks the connection through this wrapper.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Logging returns middleware that logs each request as structured JSON
// including method, path, status code, latency, and client IP. Requests
// under a quiet prefix (health probes, metrics scrapes) log at Debug so
// steady polling traffic stays out of production logs.
func Logging(logger *slog.Logger, quietPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := slog.LevelInfo
			for _, prefix := range quietPrefixes {
				if routing.MatchesPrefix(r.URL.Path, prefix) {
					level = slog.LevelDebug
					break
				}
			}

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
