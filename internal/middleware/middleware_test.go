package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/types"
)

// okHandler answers like a successful /v1 command.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","message":""}`))
})

func command(path string) *http.Request {
	return httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"cmd":"GET_STATS"}`))
}

// decodeEnvelope reads a /v1 error envelope from rec.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) types.Response {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var resp types.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not an envelope: %v (%q)", err, rec.Body.String())
	}
	if resp.Status != types.StatusError {
		t.Errorf("status = %q, want %q", resp.Status, types.StatusError)
	}
	if resp.Version == "" {
		t.Error("envelope has no version")
	}
	if resp.EndTime < resp.StartTime {
		t.Errorf("endTimestamp %d before startTimestamp %d", resp.EndTime, resp.StartTime)
	}
	return resp
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace = append(trace, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mark("recovery"), mark("logging"), mark("apikey"))(okHandler)
	h.ServeHTTP(httptest.NewRecorder(), command("/v1"))

	if got := strings.Join(trace, ","); got != "recovery,logging,apikey" {
		t.Errorf("order = %s", got)
	}
}

func TestExceptOpen(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			reject(w, http.StatusForbidden, "denied", time.Now())
		})
	}
	h := ExceptOpen(deny)(okHandler)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/v1", http.StatusForbidden},
		{"/", http.StatusForbidden},
		{"/patterns", http.StatusForbidden},
		{"/health/extra", http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("detector exploded")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, command("/v1"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Message != "Internal server error" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestRecovery_ResponseStarted(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"`))
		panic("after write")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, command("/v1"))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want the 200 already sent", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"` {
		t.Errorf("body = %q, want no envelope appended", got)
	}
}

func TestRecovery_AbortHandler(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if p := recover(); p != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", p)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), command("/v1"))
	t.Error("ErrAbortHandler was swallowed")
}

func TestLogging_PassesThrough(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"body only", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) }, http.StatusOK},
		{"nothing written", func(http.ResponseWriter, *http.Request) {}, http.StatusOK},
		{"not found", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Logging(tt.handler).ServeHTTP(rec, command("/v1?apiKey=secret"))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if sw.Status() != http.StatusOK || sw.wrote {
		t.Fatalf("fresh writer: status %d wrote %v", sw.Status(), sw.wrote)
	}

	sw.WriteHeader(http.StatusTooManyRequests)
	sw.WriteHeader(http.StatusOK)
	if sw.Status() != http.StatusTooManyRequests {
		t.Errorf("Status() = %d, want the first code", sw.Status())
	}
	if sw.Unwrap() != rec {
		t.Error("Unwrap() did not return the wrapped writer")
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.57:4312", "192.168.1.0/24"},
		{"10.0.0.9", "10.0.0.0/24"},
		{"[2001:db8:abcd:12::1]:443", "2001:db8:abcd::/48"},
		{"not-an-ip", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.addr); got != tt.want {
			t.Errorf("maskIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patterns", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store, no-cache, must-revalidate",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"chrome-extension://copyguard"}})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantBody   bool
	}{
		{"allowed command", http.MethodPost, "chrome-extension://copyguard", "chrome-extension://copyguard", true},
		{"foreign command", http.MethodPost, "https://evil.example", "", true},
		{"no origin", http.MethodPost, "", "", true},
		{"allowed preflight", http.MethodOptions, "chrome-extension://copyguard", "chrome-extension://copyguard", false},
		{"foreign preflight", http.MethodOptions, "https://evil.example", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if got := rec.Body.Len() > 0; got != tt.wantBody {
				t.Errorf("reached handler = %v, want %v", got, tt.wantBody)
			}
		})
	}
}

func TestCORS_NeverWildcard(t *testing.T) {
	h := CORS(CORSConfig{})(okHandler)
	req := command("/v1")
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q with an empty allow list", got)
	}
}

func TestAPIKey(t *testing.T) {
	enabled := &config.Config{APIKeyEnabled: true, APIKey: "s3cret"}

	tests := []struct {
		name   string
		cfg    *config.Config
		method string
		path   string
		header string
		want   int
	}{
		{"disabled", &config.Config{}, http.MethodPost, "/v1", "", http.StatusOK},
		{"health is open", enabled, http.MethodGet, "/health", "", http.StatusOK},
		{"command without key", enabled, http.MethodPost, "/v1", "", http.StatusUnauthorized},
		{"command with wrong key", enabled, http.MethodPost, "/v1", "nope", http.StatusUnauthorized},
		{"command with key", enabled, http.MethodPost, "/v1", "s3cret", http.StatusOK},
		{"patterns without key", enabled, http.MethodGet, "/patterns", "", http.StatusUnauthorized},
		{"patterns with key", enabled, http.MethodGet, "/patterns", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"cmd":"GET_STATS"}`))
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			APIKey(tt.cfg)(okHandler).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if resp := decodeEnvelope(t, rec); resp.Message != "Invalid or missing API key" {
					t.Errorf("message = %q", resp.Message)
				}
			}
		})
	}
}

func TestAPIKey_QueryStringIgnored(t *testing.T) {
	cfg := &config.Config{APIKeyEnabled: true, APIKey: "s3cret"}
	rec := httptest.NewRecorder()
	APIKey(cfg)(okHandler).ServeHTTP(rec, command("/v1?api_key=s3cret&X-API-Key=s3cret"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond, false)
	defer rl.Close()

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request in the window should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("clients are limited independently")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Error("a new window should reset the budget")
	}
}

func TestRateLimiter_CleanupStale(t *testing.T) {
	rl := NewRateLimiter(5, 10*time.Millisecond, false)
	defer rl.Close()

	rl.Allow("10.0.0.1")
	time.Sleep(30 * time.Millisecond)
	rl.cleanupStale()

	rl.mu.Lock()
	n := len(rl.clients)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("%d clients left after cleanup, want 0", n)
	}
}

func TestRateLimiter_CloseTwice(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	rl.Close()
	rl.Close()
}

func TestRateLimitMiddleware(t *testing.T) {
	m := NewRateLimitMiddleware(1, false)
	defer m.Close()
	h := m.Handler()(okHandler)

	send := func() *httptest.ResponseRecorder {
		req := command("/v1")
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	decodeEnvelope(t, rec)
}

func TestRateLimitMiddleware_HealthExempt(t *testing.T) {
	m := NewRateLimitMiddleware(1, false)
	defer m.Close()
	h := ExceptOpen(m.Handler())(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("health check %d: status = %d", i, rec.Code)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "198.51.100.4:1234", "", "", false, "198.51.100.4"},
		{"forwarded ignored", "198.51.100.4:1234", "1.2.3.4", "", false, "198.51.100.4"},
		{"forwarded trusted", "198.51.100.4:1234", "1.2.3.4, 10.0.0.1", "", true, "1.2.3.4"},
		{"real ip trusted", "198.51.100.4:1234", "", "5.6.7.8", true, "5.6.7.8"},
		{"mapped ipv4", "[::ffff:192.0.2.1]:80", "", "", false, "192.0.2.1"},
		{"no port", "192.0.2.9", "", "", false, "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := command("/v1")
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := getClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, command("/v1"))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestTimeout_SlowCommand(t *testing.T) {
	var (
		mu       sync.Mutex
		lateErr  error
		finished = make(chan struct{})
	)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(finished)
		<-r.Context().Done()
		time.Sleep(10 * time.Millisecond)
		_, err := w.Write([]byte(`{"status":"ok"}`))
		mu.Lock()
		lateErr = err
		mu.Unlock()
	})

	rec := httptest.NewRecorder()
	Timeout(20*time.Millisecond)(slow).ServeHTTP(rec, command("/v1"))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Message != "Request timeout" {
		t.Errorf("message = %q", resp.Message)
	}
	body := rec.Body.String()

	<-finished
	mu.Lock()
	defer mu.Unlock()
	if lateErr != nil {
		t.Errorf("late write error = %v, want it silently dropped", lateErr)
	}
	if rec.Body.String() != body {
		t.Error("late write reached the client")
	}
}

func TestTimeout_HandlerReturnsOnDeadline(t *testing.T) {
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, command("/v1"))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}
