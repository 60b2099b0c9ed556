package chain

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a minimum spacing between RPC calls. A single instance
// is shared by every call site (header reads, event queries, contract reads)
// so the provider's rate policy is respected across the whole process.
type RateLimiter struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

// NewRateLimiter creates a limiter allowing at most maxPerSecond calls.
func NewRateLimiter(maxPerSecond int) *RateLimiter {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	return &RateLimiter{
		interval: time.Second / time.Duration(maxPerSecond),
	}
}

// Wait blocks until the next call is allowed or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	next := r.last.Add(r.interval)
	if next.Before(now) {
		next = now
	}
	r.last = next
	r.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
