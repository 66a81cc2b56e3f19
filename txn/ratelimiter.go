package txn

import (
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter capping operations per second
// globally across the coordinator, per §4.4/§5. No repo in the reference
// pack imports a rate-limiting library, so this is a small, deliberately
// stdlib-only implementation rather than an unwired dependency.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec float64
	burst      float64
	tokens     float64
	last       time.Time
}

// NewRateLimiter creates a limiter allowing opsPerSecond sustained
// operations, with a burst capacity equal to one second's worth. A
// non-positive opsPerSecond disables limiting (Allow always succeeds).
func NewRateLimiter(opsPerSecond int) *RateLimiter {
	rate := float64(opsPerSecond)
	return &RateLimiter{
		ratePerSec: rate,
		burst:      rate,
		tokens:     rate,
		last:       time.Now(),
	}
}

// Allow reports whether one operation may proceed now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	if r.ratePerSec <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	r.tokens += elapsed * r.ratePerSec
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
