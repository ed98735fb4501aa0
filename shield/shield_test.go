package shield

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	// WHAT: Every response carries the configured security headers.
	// WHY: The API is reachable from browsers via SSE; the headers keep it
	// from being embedded or sniffed.
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: %q", got)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("missing CSP")
	}
}

func TestTraceID(t *testing.T) {
	// WHAT: Each request gets a trace ID header and a context logger.
	// WHY: Correlating an API call with pipeline logs needs a shared ID.
	var sawLogger bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = GetLogger(r.Context()) != nil
	})
	rec := httptest.NewRecorder()
	TraceID(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records", nil))

	if id := rec.Header().Get("X-Trace-ID"); len(id) != 8 {
		t.Errorf("trace id: %q", id)
	}
	if !sawLogger {
		t.Error("no logger in context")
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	// WHAT: Requests past the window limit get 429 with Retry-After; a new
	// window resets the count.
	// WHY: A runaway poller must not starve the sync loop of CPU.
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 2, Window: time.Minute})
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	status := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/records", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if status() != 200 || status() != 200 {
		t.Fatal("requests under the limit were blocked")
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Errorf("body: %s", rec.Body.String())
	}

	now = now.Add(2 * time.Minute)
	if status() != 200 {
		t.Error("request in a new window was blocked")
	}
}

func TestRateLimiter_ExcludedPrefix(t *testing.T) {
	// WHAT: Excluded prefixes bypass the limiter entirely.
	// WHY: Long-lived SSE connections would otherwise burn the whole budget.
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 1, Window: time.Minute}, "/records/stream")
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/records/stream", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		h.ServeHTTP(rec, req)
		if rec.Code != 200 {
			t.Fatalf("excluded request %d: got %d", i, rec.Code)
		}
	}
}

func TestRateLimiter_ConcurrentRequestsCountExactly(t *testing.T) {
	// WHAT: Parallel requests from one IP are counted without losing or
	// double-counting increments; exactly MaxRequests get through.
	// WHY: Handler goroutines share a bucket; unsynchronized counting both
	// races and miscounts under load.
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 50, Window: time.Minute})

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if rl.allow("10.0.0.1") {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Errorf("allowed: got %d, want exactly 50", got)
	}
}

func TestRateLimiter_GCRemovesExpiredBuckets(t *testing.T) {
	// WHAT: The GC sweep drops buckets whose window has passed and keeps
	// live ones.
	// WHY: On a public endpoint every client IP allocates a bucket; without
	// the sweep they accumulate for the life of the process.
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{MaxRequests: 10, Window: time.Minute})
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	now = now.Add(2 * time.Minute)
	rl.allow("10.0.0.2")
	rl.gc()

	var kept []string
	rl.buckets.Range(func(key, _ any) bool {
		kept = append(kept, key.(string))
		return true
	})
	if len(kept) != 1 || kept[0] != "10.0.0.2" {
		t.Errorf("buckets after gc: %v", kept)
	}
}

func TestExtractIP(t *testing.T) {
	// WHAT: X-Forwarded-For wins over RemoteAddr; first hop wins in a chain.
	// WHY: Behind a reverse proxy RemoteAddr is the proxy, not the client.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	if got := ExtractIP(req); got != "127.0.0.1" {
		t.Errorf("remote addr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Errorf("forwarded: %q", got)
	}
}
