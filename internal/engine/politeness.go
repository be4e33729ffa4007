package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// Limiter caps request rate per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// pauser abstracts how workers sleep between requests.
type pauser interface {
	// Pause sleeps for delay and reports false if ctx ended first.
	Pause(ctx context.Context, delay time.Duration) bool
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// politenessDelay returns a uniform duration in [lo, hi].
func politenessDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
