// Package ratelimit implements token bucket throttling in front of the
// page sinks, one bucket per sink.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/archive-bundle-iterator/internal/metrics"
)

// Limiter manages per-sink rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A DefaultRPS of zero or less
// disables throttling.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for sink, respecting the context.
// A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context, sink string) error {
	if l == nil || l.defaultRate == rate.Inf {
		return nil
	}
	l.mu.Lock()
	limiter, exists := l.limiters[sink]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[sink] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not worth a histogram sample.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveThrottle(sink, d)
	}
	return nil
}
