package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSecondCall(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "newsapi"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "newsapi"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "gnews"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "guardian"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()

	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(ctx, "any"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterSetIntervalAndCancel(t *testing.T) {
	l := New(Config{})
	l.SetInterval("completion", time.Hour)

	require.NoError(t, l.Wait(context.Background(), "completion"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "completion")
	require.Error(t, err)
}

func TestNilLimiterIsNoop(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), "x"))
}
