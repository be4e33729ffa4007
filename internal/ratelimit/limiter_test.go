package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) RateLimitDelay(_ string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func TestLimiter_WaitsForToken(t *testing.T) {
	t.Parallel()

	rec := &delayRecorder{}
	l := New(Config{RPS: 10, Burst: 1}, rec)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.delays, 1)
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1}, nil)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://B.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "host b must not wait on host a")
	require.Equal(t, 2, l.Hosts())
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/"))
	}
}

func TestLimiter_HonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.01, Burst: 1}, nil)
	require.NoError(t, l.Wait(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com/"))
}
