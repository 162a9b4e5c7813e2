package middleware

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/security"
)

// maskIP truncates a client address to its /24 (IPv4) or /48 (IPv6) network.
func maskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}

	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// Logging logs one line per request with the client address masked and
// secrets stripped from the query string.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		metrics.RecordHTTP(r.URL.Path, sw.Status(), duration)

		log.Info().
			Str("method", r.Method).
			Str("path", security.RedactURL(r.URL.String())).
			Str("remote_addr", maskIP(r.RemoteAddr)).
			Int("status", sw.Status()).
			Dur("duration", duration).
			Msg("Request completed")
	})
}
