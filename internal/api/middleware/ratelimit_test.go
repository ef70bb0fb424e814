package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int, maxAge time.Duration) *IPRateLimiter {
	t.Helper()
	var buf bytes.Buffer
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          maxAge,
	}, jsonLogger(&buf))
	t.Cleanup(rl.Stop)
	return rl
}

func TestIPRateLimiterAllow(t *testing.T) {
	rl := testLimiter(t, 2, 2, time.Hour)

	if !rl.Allow("203.0.113.1") || !rl.Allow("203.0.113.1") {
		t.Fatal("expected burst of two to be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Fatal("expected third request to be limited")
	}
	if !rl.Allow("203.0.113.2") {
		t.Fatal("expected a different IP to be allowed")
	}
}

func TestIPRateLimiterEvict(t *testing.T) {
	rl := testLimiter(t, 10, 10, time.Minute)
	rl.Allow("10.0.0.1")

	if n := rl.evict(time.Now()); n != 0 {
		t.Fatalf("evicted %d fresh entries", n)
	}
	if n := rl.evict(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("evicted %d entries, want 1", n)
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 0 {
		t.Fatalf("entries = %d after eviction", len(rl.entries))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, 1, 1, time.Hour)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/incomingCall", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
