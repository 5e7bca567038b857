// Package logging sets up the gateway's structured logger and a
// per-request ID that travels through context, so one request's log lines
// can be correlated across the front door, resolver, and blob fetcher.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"nsite-gateway/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// New builds the process's JSON logger and installs it as slog's default.
// levelStr is one of debug/info/warn/error (case-insensitive); anything else
// is treated as info.
func New(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestIDFromContext extracts the request ID middleware attached, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the default logger with the request ID (if any)
// attached, so a single request's log lines can be correlated across the
// front door, Resolver, and Blob Fetcher.
func FromContext(ctx context.Context) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}

// Middleware assigns a request ID, logs the request's outcome, and exposes
// the ID via the X-Request-ID response header.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		metrics.HTTPRequestsTotal.WithLabelValues(statusClass(wrapped.statusCode)).Inc()

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"host", r.Host,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case wrapped.statusCode >= 500:
			slog.Error("request failed", attrs...)
		case wrapped.statusCode >= 400:
			slog.Debug("request not served", attrs...)
		default:
			slog.Debug("request completed", attrs...)
		}
	})
}

// statusClass buckets an HTTP status into the "status_class" label value
// HTTPRequestsTotal is keyed by ("2xx", "4xx", ...), matching the coarseness
// metrics.go's BlobFetchOutcomes uses for its own outcome label.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
