package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/Rorqualx/copyguard/internal/config"
)

// APIKey returns middleware that requires the X-API-Key header on /v1 and
// /patterns when API key authentication is enabled. Paths in OpenPaths pass
// through. Keys in the query string are not accepted.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.APIKeyEnabled || isOpen(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.APIKey)) != 1 {
				reject(w, http.StatusUnauthorized, "Invalid or missing API key", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
