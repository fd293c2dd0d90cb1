package spireratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstAndRefill(t *testing.T) {
	l := NewLimiter()
	const key = "route:client"

	admitted, rejected := 0, 0
	for i := 0; i < 15; i++ {
		ok, _ := l.AdmitTokenBucket(key, 10, 5)
		if ok {
			admitted++
		} else {
			rejected++
		}
	}
	require.Equal(t, 10, admitted)
	require.Equal(t, 5, rejected)

	time.Sleep(2100 * time.Millisecond)

	admitted = 0
	for i := 0; i < 10; i++ {
		ok, _ := l.AdmitTokenBucket(key, 10, 5)
		if ok {
			admitted++
		}
	}
	require.Equal(t, 10, admitted)
}

func TestTokenBucketRejectionCarriesRetryAfter(t *testing.T) {
	l := NewLimiter()
	const key = "route:single"

	ok, _ := l.AdmitTokenBucket(key, 1, 1)
	require.True(t, ok)

	ok, retryAfter := l.AdmitTokenBucket(key, 1, 1)
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestFixedWindowResetsAfterElapsed(t *testing.T) {
	l := NewLimiter()
	const key = "route:window"

	for i := 0; i < 3; i++ {
		ok, _ := l.AdmitFixedWindow(key, 3, 0.3)
		require.True(t, ok)
	}
	ok, _ := l.AdmitFixedWindow(key, 3, 0.3)
	require.False(t, ok)

	time.Sleep(350 * time.Millisecond)
	ok, _ = l.AdmitFixedWindow(key, 3, 0.3)
	require.True(t, ok)
}

func TestTokensNeverExceedsCapacity(t *testing.T) {
	l := NewLimiter()
	const key = "route:cap"
	l.AdmitTokenBucket(key, 5, 100)
	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, l.Tokens(key), 5.0)
}
