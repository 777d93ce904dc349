package queue

import (
	"sync"
	"time"
)

// tokenBucket is a simple token-bucket rate limiter: tokens refill
// continuously at ratePerSecond up to a burst of ratePerSecond tokens.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond float64) *tokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 5.0
	}
	return &tokenBucket{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		lastRefill: time.Now(),
	}
}

// acquire attempts to take one token, refilling first. It never blocks.
func (b *tokenBucket) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.rate, b.tokens+elapsed*b.rate)
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

func (b *tokenBucket) available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
