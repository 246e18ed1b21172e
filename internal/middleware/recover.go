package middleware

import (
	"net/http"
	"runtime/debug"

	"taxgpt-api/internal/metrics"
)

// RecoveryMiddleware turns a handler panic into a 500 JSON error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			LogWithTrace(r.Context()).Error("panic recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			metrics.ErrorsTotal.WithLabelValues("panic").Inc()
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
