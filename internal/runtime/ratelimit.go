// ratelimit.go bounds how hard a misbehaving generated strategy can hammer
// the subgraph and the chain. Per-strategy discipline (one in-flight chain
// submission, capped parallel subgraph reads) lives on the capability; the
// token buckets here are process-wide smoothing across all strategies.
package runtime

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// limits groups the process-wide buckets by backend.
type limits struct {
	Subgraph *TokenBucket // market-data reads
	Chain    *TokenBucket // transaction submissions
}

func newLimits() *limits {
	return &limits{
		Subgraph: NewTokenBucket(20, 10),
		Chain:    NewTokenBucket(5, 1),
	}
}
