package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a per-sender token bucket guarding the webhook ingress.
// The store platform retries aggressively on errors, so a throttled sender
// gets a clear 429 with Retry-After instead of a processing failure.
type RateLimiter struct {
	mu          sync.RWMutex
	senders     map[string]*bucket
	rate        int           // deliveries per window
	window      time.Duration // refill window
	cleanupTick *time.Ticker
	stopCleanup chan bool
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing rate deliveries per
// window for each sender.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		senders:     make(map[string]*bucket),
		rate:        rate,
		window:      window,
		cleanupTick: time.NewTicker(5 * time.Minute),
		stopCleanup: make(chan bool),
	}

	go rl.cleanup()

	return rl
}

// cleanup drops buckets for senders that went quiet, so one-off webhook
// sources don't accumulate forever.
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTick.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.senders {
				b.mu.Lock()
				if now.Sub(b.lastRefill) > time.Hour {
					delete(rl.senders, key)
				}
				b.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cleanupTick.Stop()
	rl.stopCleanup <- true
}

// Allow reports whether a delivery from the given sender fits the budget.
func (rl *RateLimiter) Allow(sender string) bool {
	rl.mu.RLock()
	b, exists := rl.senders[sender]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		b, exists = rl.senders[sender]
		if !exists {
			b = &bucket{
				tokens:     rl.rate,
				lastRefill: time.Now(),
			}
			rl.senders[sender] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)

	if elapsed >= rl.window {
		b.tokens = rl.rate
		b.lastRefill = now
	} else {
		refill := int(float64(rl.rate) * elapsed.Seconds() / rl.window.Seconds())
		if refill > 0 {
			b.tokens = min(b.tokens+refill, rl.rate)
			b.lastRefill = now
		}
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// SenderKey identifies the webhook sender for rate limiting. Webhooks
// arrive through the platform's proxy layer, so the forwarded client IP
// wins over the socket address.
func SenderKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}

// RateLimitMiddleware rejects deliveries over the per-sender budget with
// 429 and a Retry-After hint covering one refill window.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(SenderKey(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.rate))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error": "too many webhook deliveries"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
