package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	r := NewRateLimiter(5)
	for i := 0; i < 5; i++ {
		assert.True(t, r.Allow())
	}
	assert.False(t, r.Allow())
}

func TestRateLimiterZeroDisables(t *testing.T) {
	r := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, r.Allow())
	}
}
