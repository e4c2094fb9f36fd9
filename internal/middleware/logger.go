// Package middleware holds the relay's HTTP middleware.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

// RequestLogger logs one line per request. Long-lived streams are logged when
// they end, so duration there is the stream lifetime.
func RequestLogger(log logr.Logger) func(http.Handler) http.Handler {
	log = log.WithName("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				kv := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"remote", r.RemoteAddr,
				}
				if id := middleware.GetReqID(r.Context()); id != "" {
					kv = append(kv, "requestID", id)
				}
				if status >= http.StatusInternalServerError {
					log.Info("request failed", kv...)
					return
				}
				log.V(1).Info("request", kv...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
