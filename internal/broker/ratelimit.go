// ratelimit.go implements token-bucket rate limiting for the Alpaca API.
//
// Alpaca enforces 200 requests per minute across the whole account. The
// services run as separate processes, so the budget is partitioned
// statically in config (scanner 67, monitor 80, buyer 10, seller 5,
// orchestrator 5 by default) and each process polices only its own slice.
// Config validation rejects partitions that sum past the account limit.
//
// The bucket refills continuously rather than in one-minute bursts: a
// service that spends its whole slice at the top of a cycle earns it back
// smoothly before the next cycle starts.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate. The bucket starts full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// NewMinuteBucket creates a bucket for a per-minute request budget. The
// full budget is available as burst, refilling at budget/60 per second,
// which fits the services' fire-a-burst-then-sleep cycle shape.
func NewMinuteBucket(perMinute int) *TokenBucket {
	if perMinute < 1 {
		perMinute = 1
	}
	return NewTokenBucket(float64(perMinute), float64(perMinute)/60)
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
