package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiter_AllowsBurstWithinWindow(t *testing.T) {
	l := newRateLimiter(&RateLimitConfig{RequestsPerSecond: 5})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "requests within the burst must not block")
}

func TestRateLimiter_BlocksOverBurst(t *testing.T) {
	l := newRateLimiter(&RateLimitConfig{RequestsPerSecond: 20, Burst: 2})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "the third request must wait for a token")
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	l := newRateLimiter(&RateLimitConfig{RequestsPerSecond: 1})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx))
	cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestRateLimiter_Default(t *testing.T) {
	l := newRateLimiter(nil)
	assert.Equal(t, rate.Limit(defaultRequestsPerSecond), l.Limit())
	assert.Equal(t, defaultRequestsPerSecond, l.Burst())
}
