package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound requests and honours exchange back-off
// signals (HTTP 429).
type RateLimiter struct {
	limiter *rate.Limiter
	log     *zap.Logger

	mu         sync.RWMutex
	pauseUntil time.Time
	throttled  int
}

// NewRateLimiter allows rps requests per second with the given burst.
// A non-positive rps disables throttling.
func NewRateLimiter(rps float64, burst int, log *zap.Logger) *RateLimiter {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{limiter: lim, log: log}
}

// Wait blocks until a request may be sent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	until := rl.pauseUntil
	rl.mu.RUnlock()

	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return rl.limiter.Wait(ctx)
}

// Throttled records a rate-limit response and pauses all callers for d.
func (rl *RateLimiter) Throttled(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(rl.pauseUntil) {
		rl.pauseUntil = until
	}
	rl.throttled++
	rl.log.Warn("exchange rate limit hit", zap.Duration("pause", d), zap.Int("count", rl.throttled))
}

// ThrottledCount returns how many rate-limit responses were seen.
func (rl *RateLimiter) ThrottledCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.throttled
}
