package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_BudgetPerSender(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		if !limiter.Allow("sender-a") {
			t.Fatalf("Delivery %d should fit the budget", i+1)
		}
	}
	if limiter.Allow("sender-a") {
		t.Error("Fourth delivery should exceed the budget")
	}

	// A different sender has its own bucket.
	if !limiter.Allow("sender-b") {
		t.Error("Other senders must not be throttled by sender-a")
	}
}

func TestRateLimiter_WindowRefills(t *testing.T) {
	limiter := NewRateLimiter(1, 20*time.Millisecond)
	defer limiter.Stop()

	if !limiter.Allow("sender-a") {
		t.Fatal("First delivery should pass")
	}
	if limiter.Allow("sender-a") {
		t.Fatal("Second delivery should be throttled")
	}

	time.Sleep(30 * time.Millisecond)

	if !limiter.Allow("sender-a") {
		t.Error("Delivery after the refill window should pass")
	}
}

func TestSenderKey(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhooks/cart", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	if got := SenderKey(req); got != "10.0.0.1:1234" {
		t.Errorf("Expected socket address fallback, got %q", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := SenderKey(req); got != "203.0.113.7" {
		t.Errorf("Expected X-Real-IP to win over socket address, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.2")
	if got := SenderKey(req); got != "198.51.100.2" {
		t.Errorf("Expected X-Forwarded-For to win, got %q", got)
	}
}

func TestRateLimitMiddleware_Throttles(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/webhooks/cart", nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("First delivery expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Second delivery expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("Expected X-RateLimit-Limit 1, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
}
