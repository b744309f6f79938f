package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aegiscore/platform/pkg/logger"
)

type traceIDKey struct{}

// TraceIDFromContext returns the per-request trace id stamped by LoggingMiddleware.
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// LoggingMiddleware stamps every request with a trace id (reused from the
// X-Trace-ID header when the caller supplies one) and logs method, path,
// status, and latency once the handler returns. Grounded on the teacher's
// infrastructure/middleware.LoggingMiddleware.
func LoggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), traceIDKey{}, traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.WithField("trace_id", traceID).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", wrapped.status).
				WithField("duration", time.Since(start).String()).
				Info("request handled")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// RecoverMiddleware converts a handler panic into a 500 instead of tearing
// down the listener.
func RecoverMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("panic", rec).WithField("path", r.URL.Path).Error("handler panicked")
					writeError(w, internalErr(rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires a valid bearer JWT on mutating action/guardian
// routes (§6). secret is the HMAC signing key; an empty secret disables
// verification, which OFFLINE_MODE/CI_MODE deployments rely on.
func AuthMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				writeError(w, unauthorizedErr("missing bearer token"))
				return
			}
			raw := header[len(prefix):]
			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeError(w, unauthorizedErr("invalid token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
