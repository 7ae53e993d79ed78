package kraken

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/coachpo/krakenperp/internal/config"
)

// Limiter holds one token bucket per named REST budget.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
}

// NewLimiter builds buckets from limits.
func NewLimiter(limits map[string]config.RateLimit) *Limiter {
	l := &Limiter{buckets: make(map[string]*rate.Limiter, len(limits))}
	for name, limit := range limits {
		l.buckets[name] = rate.NewLimiter(rate.Limit(limit.RPS), limit.Burst)
	}
	return l
}

// Wait blocks until bucket grants a token. Unknown buckets fall back to the public one.
func (l *Limiter) Wait(ctx context.Context, bucket string) error {
	l.mu.RLock()
	limiter, ok := l.buckets[bucket]
	if !ok {
		limiter, ok = l.buckets[config.BucketPublic]
	}
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", bucket, err)
	}
	return nil
}
