// Package ratelimit spaces outbound requests per job with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
)

// DefaultDelay is the minimum spacing between two fetches of one job.
const DefaultDelay = 500 * time.Millisecond

// Limiter manages one bucket per job. Waiters on the same job are released in
// the order they called Acquire, each at least Delay after the previous one.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	Delay time.Duration
}

// New creates a new Limiter. A zero delay uses DefaultDelay; a negative delay
// disables limiting.
func New(cfg Config) *Limiter {
	delay := cfg.Delay
	if delay == 0 {
		delay = DefaultDelay
	}
	every := rate.Inf
	if delay > 0 {
		every = rate.Every(delay)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
	}
}

// Acquire blocks until jobID may issue its next request.
func (l *Limiter) Acquire(ctx context.Context, jobID string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[jobID]
	if !exists {
		limiter = rate.NewLimiter(l.every, 1)
		l.limiters[jobID] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}

// Forget drops the bucket of a finished job.
func (l *Limiter) Forget(jobID string) {
	l.mu.Lock()
	delete(l.limiters, jobID)
	l.mu.Unlock()
}

// Len reports how many jobs currently hold a bucket.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
