// Package ratelimit paces how fast the client opens new data channels toward
// the local service.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter. A nil *TokenBucket
// allows everything.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a bucket refilling rate tokens per second up to
// capacity. It returns nil (unlimited) when rate <= 0. A capacity below 1 is
// raised to 1 so a single request can always pass a full bucket.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	if rate <= 0 {
		return nil
	}
	if capacity < 1 {
		capacity = 1
	}
	tb := &TokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     rate,
		now:      time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens reports the tokens currently available, without refilling.
func (tb *TokenBucket) Tokens() float64 {
	if tb == nil {
		return 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}
