// Package middleware provides the HTTP middleware shared by every route.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"taxgpt-api/internal/metrics"
)

const TraceIDHeader = "X-Trace-ID"

// RequestIDHeader is accepted as an alias of TraceIDHeader.
const RequestIDHeader = "X-Request-ID"

type traceIDKey struct{}

func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TraceMiddleware reuses an incoming trace id or generates one, and echoes it in the response.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" {
			traceID = r.Header.Get(RequestIDHeader)
		}
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		w.Header().Set(TraceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// LogWithTrace returns the default logger tagged with the request's trace id.
func LogWithTrace(ctx context.Context) *slog.Logger {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.Default().With("trace_id", traceID)
}

// TracedResponseWriter records the status and size of a response.
type TracedResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
	wroteHeader  bool
}

func NewTracedResponseWriter(w http.ResponseWriter) *TracedResponseWriter {
	return &TracedResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

func (w *TracedResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.StatusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *TracedResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

func (w *TracedResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the wrapper.
func (w *TracedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.StatusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *TracedResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// LoggingMiddleware logs every request with its trace id and records request metrics.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := GetTraceID(r.Context())
		wrapped := NewTracedResponseWriter(w)

		slog.Debug("Request started",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		level := slog.LevelInfo
		if wrapped.StatusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.StatusCode >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(r.Context(), level, "Request completed",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.StatusCode,
			"bytes", wrapped.BytesWritten,
			"duration", duration,
		)

		route := routeLabel(r.URL.Path)
		metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.StatusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

// routeLabel keeps metric cardinality bounded: generated file names collapse to one label.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/downloads/") {
		return "/downloads/"
	}
	if strings.HasPrefix(path, "/api/") || path == "/metrics" {
		return path
	}
	return "other"
}

// Chain composes middlewares; the first one runs outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
