// Package ratelimit implements keyed token bucket limiters used to pace
// outbound calls to news sources and the completion service.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive DefaultRPS disables limiting
// for keys without an explicit rate.
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

// SetRate configures a per-key rate in requests per second.
func (l *Limiter) SetRate(key string, rps float64) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.limiters[key]; ok {
		existing.SetLimit(r)
		return
	}
	l.limiters[key] = rate.NewLimiter(r, l.defaultBurst)
}

// SetInterval configures a key to allow one call per interval.
func (l *Limiter) SetInterval(key string, interval time.Duration) {
	if interval <= 0 {
		l.SetRate(key, 0)
		return
	}
	l.SetRate(key, float64(time.Second)/float64(interval))
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", key, err)
	}
	return nil
}
