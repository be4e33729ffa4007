package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// RetrySpec is the immutable retry configuration for a run.
type RetrySpec struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxJitter      time.Duration
}

// DefaultRetrySpec matches the documented defaults.
func DefaultRetrySpec() RetrySpec {
	return RetrySpec{MaxRetries: 3, InitialBackoff: 2 * time.Second, MaxJitter: time.Second}
}

// RetryPolicy wraps a Fetcher call with bounded exponential backoff.
type RetryPolicy struct {
	spec    RetrySpec
	pauser  pauser
	metrics Metrics
	logger  *zap.Logger
}

// NewRetryPolicy builds a policy from spec.
func NewRetryPolicy(spec RetrySpec, metrics Metrics, logger *zap.Logger) *RetryPolicy {
	if spec.MaxRetries < 0 {
		spec.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RetryPolicy{
		spec:    spec,
		pauser:  timerPauser{},
		metrics: metrics,
		logger:  logger.Named("retry"),
	}
}

// Fetch calls fetcher once, then retries transient failures up to MaxRetries
// times. On exhaustion the returned result has no content and carries the last
// observed status code, or crawler.NoStatus if no response was ever seen.
func (p *RetryPolicy) Fetch(ctx context.Context, fetcher crawler.Fetcher, url, referer string) (crawler.FetchResult, error) {
	lastStatus := crawler.NoStatus
	var lastErr error
	for attempt := 0; attempt <= p.spec.MaxRetries; attempt++ {
		p.metrics.FetchAttempt()
		res, err := fetcher.Fetch(ctx, url, referer)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if res.StatusCode != crawler.NoStatus {
			lastStatus = res.StatusCode
		} else if code := crawler.StatusOf(err); code != crawler.NoStatus {
			lastStatus = code
		}
		if ctx.Err() != nil {
			return crawler.FetchResult{URL: url, StatusCode: lastStatus}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		if !crawler.IsRetryable(err) {
			return crawler.FetchResult{URL: url, StatusCode: lastStatus}, err
		}
		if attempt == p.spec.MaxRetries {
			break
		}
		delay := p.Backoff(attempt)
		p.metrics.FetchRetry()
		p.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !p.pauser.Pause(ctx, delay) {
			return crawler.FetchResult{URL: url, StatusCode: lastStatus}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
	}
	return crawler.FetchResult{URL: url, StatusCode: lastStatus},
		fmt.Errorf("fetch %s: retries exhausted after %d attempts: %w", url, p.spec.MaxRetries+1, lastErr)
}

// Backoff returns InitialBackoff * 2^attempt plus uniform jitter in [0, MaxJitter).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.spec.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(math.MaxInt64/2) {
		delay = float64(math.MaxInt64 / 2)
	}
	return time.Duration(delay) + randomJitter(p.spec.MaxJitter)
}

// IsCancellation reports whether err came from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
