package api

import (
	"net/http"
	"time"

	"seqd/internal/log"
)

// loggingMiddleware logs method, path, and duration for every request,
// adapted from dplaned/cmd/dplaned's loggingMiddleware but through
// zerolog instead of the standard logger.
func loggingMiddleware(next http.Handler) http.Handler {
	l := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		l.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// recoverMiddleware turns a handler panic into a 500 instead of
// crashing the process, matching the teacher's approach of never
// letting one request handler bring down the daemon.
func recoverMiddleware(next http.Handler) http.Handler {
	l := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				l.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic recovered")
				respondError(w, http.StatusInternalServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
