// Package ratelimit implements a per-host token bucket so a crawl never
// exceeds a fixed request rate against any single host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer receives the time spent waiting for a token.
type Observer interface {
	RateLimitDelay(rawURL string, d time.Duration)
}

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	observer Observer
}

// New creates a Limiter. observer may be nil.
func New(cfg Config, observer Observer) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		observer: observer,
	}
}

// Wait blocks until a token is available for the URL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	limiter := l.forHost(hostOf(rawURL))

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Waits under a millisecond mean a token was already available.
	if d := time.Since(start); d > time.Millisecond && l.observer != nil {
		l.observer.RateLimitDelay(rawURL, d)
	}
	return nil
}

// Hosts returns the number of hosts with a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
