package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter(max int, window time.Duration) (*FixedWindowLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := New(max, window)
	limiter.now = clock.Now
	return limiter, clock
}

func TestFixedWindowLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
	}

	if limiter.Allow("192.168.1.1") {
		t.Error("4th request should be denied, but was allowed")
	}
}

func TestFixedWindowLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		if !limiter.Allow(ip) || !limiter.Allow(ip) {
			t.Errorf("First two requests for %s should be allowed", ip)
		}
		if limiter.Allow(ip) {
			t.Errorf("Third request for %s should be denied", ip)
		}
	}
}

func TestFixedWindowLimiter_Allow_WindowReset(t *testing.T) {
	limiter, clock := newTestLimiter(1, 50*time.Millisecond)
	ip := "192.168.1.1"

	if !limiter.Allow(ip) {
		t.Error("First request should be allowed")
	}
	if limiter.Allow(ip) {
		t.Error("Second request should be denied")
	}

	clock.now = clock.now.Add(40 * time.Millisecond)
	if limiter.Allow(ip) {
		t.Error("Request before window expiry should be denied")
	}

	clock.now = clock.now.Add(20 * time.Millisecond)
	if !limiter.Allow(ip) {
		t.Error("Request after window expiry should be allowed")
	}
}

func TestFixedWindowLimiter_Allow_EdgeCases(t *testing.T) {
	tests := []struct {
		name        string
		maxRequests int
		identifier  string
		requests    int
		expectPass  bool
	}{
		{"zero limit should deny all", 0, "192.168.1.1", 1, false},
		{"single request limit", 1, "192.168.1.1", 1, true},
		{"empty identifier", 5, "", 3, true},
		{"very long identifier", 5, "very.long.identifier.with.many.dots.and.characters.192.168.1.100", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, _ := newTestLimiter(tt.maxRequests, time.Minute)

			var lastResult bool
			for i := 0; i < tt.requests; i++ {
				lastResult = limiter.Allow(tt.identifier)
			}

			if lastResult != tt.expectPass {
				t.Errorf("Expected %v, got %v for %d requests with limit %d",
					tt.expectPass, lastResult, tt.requests, tt.maxRequests)
			}
		})
	}
}

func TestFixedWindowLimiter_Allow_ConcurrentAccess(t *testing.T) {
	limiter := New(30, time.Minute)
	ip := "192.168.1.1"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if limiter.Allow(ip) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 30 {
		t.Errorf("Expected exactly 30 allowed requests, got %d", allowed)
	}
}

func TestFixedWindowLimiter_SweepsExpiredWindows(t *testing.T) {
	limiter, clock := newTestLimiter(1, time.Minute)

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if len(limiter.requests) != 10 {
		t.Fatalf("Expected 10 tracked clients, got %d", len(limiter.requests))
	}

	clock.now = clock.now.Add(2 * time.Minute)
	limiter.Allow("10.0.1.1")

	if len(limiter.requests) != 1 {
		t.Errorf("Expected expired clients to be dropped, %d remain", len(limiter.requests))
	}
}

func TestMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)
	limited := 0
	handler := Middleware(limiter, func() { limited++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/trial/start", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := request("203.0.113.7:5000"); w.Code != http.StatusNoContent {
		t.Fatalf("First request: expected 204, got %d", w.Code)
	}

	// Same host, different port: same client.
	w := request("203.0.113.7:5001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Second request: expected 429, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["ok"] != false || body["error"] != "too many requests" {
		t.Errorf("Unexpected body: %v", body)
	}
	if limited != 1 {
		t.Errorf("Expected onLimited to be called once, got %d", limited)
	}

	if w := request("198.51.100.1:5000"); w.Code != http.StatusNoContent {
		t.Errorf("Other client: expected 204, got %d", w.Code)
	}
}

func BenchmarkFixedWindowLimiter_Allow(b *testing.B) {
	limiter := New(1000000, time.Minute)
	ip := "192.168.1.1"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ip)
	}
}

func BenchmarkFixedWindowLimiter_Allow_DifferentIPs(b *testing.B) {
	limiter := New(1000000, time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i%256)
		limiter.Allow(ip)
	}
}
