package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wudi/edgeproxy/internal/config"
	"github.com/wudi/edgeproxy/internal/errors"
)

const (
	// sweepInterval bounds how often Allow scans for idle buckets.
	sweepInterval = time.Minute
	bucketMaxIdle = 10 * time.Minute
)

// RateLimiter enforces a per-client-IP token bucket for one route.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from config.
func NewRateLimiter(cfg *config.RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limit:     rate.Limit(cfg.RequestsPerSecond),
		burst:     burst,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether the client may proceed, consuming a token. At most
// once per sweepInterval it also drops buckets idle past bucketMaxIdle.
func (rl *RateLimiter) Allow(clientIP string) bool {
	now := time.Now()
	rl.mu.Lock()
	b, ok := rl.buckets[clientIP]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[clientIP] = b
	}
	b.lastSeen = now
	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.sweepLocked(now.Add(-bucketMaxIdle))
		rl.lastSweep = now
	}
	rl.mu.Unlock()
	return b.limiter.Allow()
}

// Serve writes the 429 response for a throttled request.
func (rl *RateLimiter) Serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	errors.New(http.StatusTooManyRequests, errors.KindRateLimited, "rate limit exceeded").Write(w, r)
}

// Sweep drops buckets idle longer than maxIdle.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	rl.sweepLocked(time.Now().Add(-maxIdle))
	rl.mu.Unlock()
}

func (rl *RateLimiter) sweepLocked(cutoff time.Time) {
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Len reports the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
