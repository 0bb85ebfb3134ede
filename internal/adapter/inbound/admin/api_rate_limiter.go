package admin

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// apiRateLimiter is a fixed-window per-address limiter for the admin API.
// It uses the same window arithmetic as the engine but keeps its state
// private so admin traffic never shows up in subject counters.
type apiRateLimiter struct {
	mu            sync.Mutex
	counts        map[string]int // address -> requests in windowID
	windowID      int64
	maxRequests   int
	windowSeconds int
	now           func() time.Time
}

func newAPIRateLimiter(maxRequests int, window time.Duration) *apiRateLimiter {
	return &apiRateLimiter{
		counts:        make(map[string]int),
		maxRequests:   maxRequests,
		windowSeconds: max(int(window/time.Second), 1),
		now:           time.Now,
	}
}

// allow reports whether ip may make another request and, if not, how many
// seconds remain in the current window.
func (rl *apiRateLimiter) allow(ip string) (bool, int) {
	now := rl.now()
	w := ratelimit.WindowFor(now, rl.windowSeconds)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if w.ID != rl.windowID {
		rl.windowID = w.ID
		clear(rl.counts)
	}
	if rl.counts[ip] >= rl.maxRequests {
		return false, max(w.RetryAfterSeconds(now), 1)
	}
	rl.counts[ip]++
	return true, 0
}

// apiRateLimitMiddleware wraps next with per-address limiting. Localhost is
// exempt, consistent with the auth bypass.
func apiRateLimitMiddleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	limiter := newAPIRateLimiter(maxRequests, window)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}

		allowed, retryAfter := limiter.allow(clientIP)
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
