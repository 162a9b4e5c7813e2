package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutWriter serializes writes between the handler goroutine and the
// timeout response. Once timedOut is set every write is discarded.
type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	timedOut    atomic.Bool
	wroteHeader bool
}

// Write implements http.ResponseWriter. Writes after timeout report success
// and are dropped.
func (tw *timeoutWriter) Write(b []byte) (int, error) {
	if tw.timedOut.Load() {
		return len(b), nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return len(b), nil
	}

	return tw.ResponseWriter.Write(b)
}

// WriteHeader implements http.ResponseWriter. Discards after timeout.
func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

// Header implements http.ResponseWriter. After timeout it returns a
// throwaway map.
func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return make(http.Header)
	}

	return tw.ResponseWriter.Header()
}

// markTimedOut discards all further writes.
func (tw *timeoutWriter) markTimedOut() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut.Store(true)
}

// Flush implements http.Flusher.
func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timedOut.Load() {
		return
	}

	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// hasWrittenHeader returns true if WriteHeader was called before timeout.
func (tw *timeoutWriter) hasWrittenHeader() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.wroteHeader
}

// Timeout bounds each request with a context deadline and answers 504 with
// the error envelope if the handler has not written a header by then. The
// handler goroutine is not killed; it observes ctx.Done() and its late writes
// are dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
			}

			// A handler that returned on ctx.Done() may not have written anything.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !tw.hasWrittenHeader() {
				reject(tw, http.StatusGatewayTimeout, "Request timeout", start)
			}
			tw.markTimedOut()
		})
	}
}
