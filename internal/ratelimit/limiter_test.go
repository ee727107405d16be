package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5, "lotus")

	require.NotNil(t, l)
	require.NotNil(t, l.limiter)
	assert.Equal(t, "lotus", l.target)
	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestNewLimiter_BurstRaisedToOne(t *testing.T) {
	l := NewLimiter(5, 0, "lotus")
	assert.Equal(t, 1, l.limiter.Burst())
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "lotus")

	ctx := context.Background()
	for i := 0; i < burst; i++ {
		start := time.Now()
		err := l.Wait(ctx)
		elapsed := time.Since(start)

		require.NoError(t, err, "request %d should not error", i)
		assert.Less(t, elapsed, 50*time.Millisecond,
			"request %d should complete immediately, took %v", i, elapsed)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	const (
		rps   = 10.0 // 1 token every 100ms
		burst = 1
	)
	l := NewLimiter(rps, burst, "lotus")

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	err := l.Wait(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"should have waited for a token, but only took %v", elapsed)
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := NewLimiter(1.0, 1, "lotus")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx)
	require.Error(t, err, "should return error when context is cancelled")
}

func TestClassifyRPCError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("http status 429: slow down"), "rate_limited"},
		{errors.New("http status 401: missing token"), "unauthorized"},
		{errors.New("http status 503: unavailable"), "server_error"},
		{errors.New("dial tcp 127.0.0.1:1234: connect: connection refused"), "network_error"},
		{errors.New("circuit breaker is open"), "circuit_open"},
		{errors.New("message not found"), "rpc_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRPCError(tt.err), "%v", tt.err)
	}
}
