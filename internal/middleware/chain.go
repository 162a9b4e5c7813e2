package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// OpenPaths are answered without an API key, rate limiting or the request
// timeout. Only the liveness endpoint qualifies; /v1 and /patterns are guarded.
var OpenPaths = []string{"/health"}

func isOpen(path string) bool {
	for _, p := range OpenPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Chain composes mws so that the first one sees the request first:
// Chain(a, b)(h) serves a(b(h)).
func Chain(mws ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// ExceptOpen applies mw to every request whose path is not in OpenPaths.
func ExceptOpen(mw Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		guarded := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOpen(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}
