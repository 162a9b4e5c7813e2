package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
)

// maxClients bounds the tracked client table; the client with the oldest
// window is evicted when it is full.
const maxClients = 10000

// RateLimiter is a fixed-window request counter per client IP. Create one
// per server and Close it on shutdown.
type RateLimiter struct {
	rate       int
	window     time.Duration
	trustProxy bool

	mu      sync.Mutex
	clients map[string]*window

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// window is one client's budget in its current window.
type window struct {
	left  int
	start time.Time
}

// NewRateLimiter allows rate requests per window per client. X-Forwarded-For
// and X-Real-IP are honored only when trustProxy is set.
func NewRateLimiter(rate int, per time.Duration, trustProxy bool) *RateLimiter {
	rl := &RateLimiter{
		rate:       rate,
		window:     per,
		trustProxy: trustProxy,
		clients:    make(map[string]*window),
		stop:       make(chan struct{}),
	}

	rl.wg.Add(1)
	go rl.sweep(5 * time.Minute)
	return rl
}

// NewRateLimitMiddleware limits each client to requestsPerMinute commands.
func NewRateLimitMiddleware(requestsPerMinute int, trustProxy bool) *RateLimiter {
	return NewRateLimiter(requestsPerMinute, time.Minute, trustProxy)
}

// Allow spends one request from ip's budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxClients {
			rl.evictOldest()
		}
		rl.clients[ip] = &window{left: rl.rate - 1, start: now}
		return true
	}
	if now.Sub(w.start) >= rl.window {
		w.left, w.start = rl.rate-1, now
		return true
	}
	if w.left > 0 {
		w.left--
		return true
	}
	return false
}

// Handler rejects over-budget requests with 429 and the error envelope.
func (rl *RateLimiter) Handler() Middleware {
	retryAfter := strconv.Itoa(int(rl.window / time.Second))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ip := rl.ClientIP(r)
			if !rl.Allow(ip) {
				metrics.RecordRateLimited()
				log.Debug().Str("client", maskIP(ip)).Str("path", r.URL.Path).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", retryAfter)
				reject(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", start)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the address the request is counted against.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return getClientIP(r, rl.trustProxy)
}

// Close stops the sweeper. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stop)
		rl.wg.Wait()
	})
}

func (rl *RateLimiter) sweep(every time.Duration) {
	defer rl.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStale()
		case <-rl.stop:
			return
		}
	}
}

// cleanupStale drops clients idle for two windows.
func (rl *RateLimiter) cleanupStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * rl.window)
	for ip, w := range rl.clients {
		if w.start.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// evictOldest must be called with rl.mu held.
func (rl *RateLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for ip, w := range rl.clients {
		if oldest == "" || w.start.Before(at) {
			oldest, at = ip, w.start
		}
	}
	delete(rl.clients, oldest)
}

// normalizeIP maps IPv4-in-IPv6 to IPv4 and canonicalizes IPv6. Unparseable
// input is returned trimmed.
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// getClientIP uses RemoteAddr unless trustProxy is set, in which case the
// leftmost X-Forwarded-For entry and then X-Real-IP win.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := normalizeIP(first); ip != "" {
			return ip
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}
