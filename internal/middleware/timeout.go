package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"erpy/pkg/logging/logging"

	"go.uber.org/zap"
)

// Timeout cancels the request context after d. When the handler returns
// because the deadline passed without writing anything, a 504 is sent.
// Streaming routes must not use it.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if tw.wrote || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return
			}
			logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGatewayTimeout)
			_, _ = w.Write([]byte(`{"error":"gateway_timeout"}`))
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *timeoutWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}
