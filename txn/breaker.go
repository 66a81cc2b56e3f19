package txn

import (
	"sync"
	"time"
)

// CircuitBreaker opens when the recent commit failure ratio exceeds a
// threshold over a rolling window, rejecting work for a cool-down period
// (§4.4/§5). Like RateLimiter, this is hand-rolled over stdlib timers and
// a mutex because no reference repo imports a circuit-breaker library.
type CircuitBreaker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	cooldown  time.Duration

	outcomes  []outcome
	openUntil time.Time
}

type outcome struct {
	at      time.Time
	success bool
}

// NewCircuitBreaker creates a breaker that opens once the failure ratio
// over window exceeds threshold, staying open for cooldown.
func NewCircuitBreaker(threshold float64, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{window: window, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a commit may proceed: false while the breaker is
// open.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().After(b.openUntil)
}

// RecordSuccess records a successful commit outcome.
func (b *CircuitBreaker) RecordSuccess() { b.record(true) }

// RecordFailure records a failed commit outcome, opening the breaker if
// the rolling failure ratio now exceeds the configured threshold.
func (b *CircuitBreaker) RecordFailure() { b.record(false) }

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.outcomes = append(b.outcomes, outcome{at: now, success: success})
	b.prune(now)

	if len(b.outcomes) == 0 {
		return
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.success {
			failures++
		}
	}
	ratio := float64(failures) / float64(len(b.outcomes))
	if ratio > b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
}

// prune drops outcomes older than the rolling window. Must be called
// with b.mu held.
func (b *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for ; i < len(b.outcomes); i++ {
		if b.outcomes[i].at.After(cutoff) {
			break
		}
	}
	b.outcomes = b.outcomes[i:]
}
