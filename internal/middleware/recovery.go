// Package middleware provides the HTTP middleware wrapped around the copyguard API.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Recovery turns a handler panic into a 500 error envelope. When the handler
// had already started its response only the log line is written.
// http.ErrAbortHandler is re-raised so the server drops the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}

			log.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bool("response_started", sw.wrote).
				Msg("Panic recovered")

			if !sw.wrote {
				reject(sw, http.StatusInternalServerError, "Internal server error", start)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}
