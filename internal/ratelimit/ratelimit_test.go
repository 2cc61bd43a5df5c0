// Copyright 2025 James Ross
package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
)

func fixedLimits(perMinute, burst int) (func(string) int, func(string) int) {
	return func(string) int { return perMinute }, func(string) int { return burst }
}

func TestAllowsUpToPerMinuteLimit(t *testing.T) {
	perMinute, burst := fixedLimits(3, 10)
	l := New(time.Minute, time.Second, perMinute, burst)

	for i := 0; i < 3; i++ {
		info, err := l.CheckAndConsume("tenant-a", "inference")
		require.NoError(t, err)
		require.True(t, info.Allowed)
	}

	_, err := l.CheckAndConsume("tenant-a", "inference")
	require.Error(t, err)
	tagged, ok := apierr.AsError(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeRateLimitExceeded, tagged.Code)
}

func TestSeparateTenantsDoNotShareBudget(t *testing.T) {
	perMinute, burst := fixedLimits(1, 10)
	l := New(time.Minute, time.Second, perMinute, burst)

	_, err := l.CheckAndConsume("tenant-a", "inference")
	require.NoError(t, err)
	_, err = l.CheckAndConsume("tenant-b", "inference")
	require.NoError(t, err, "a different tenant must have its own budget")
}

func TestWindowEvictionAllowsFurtherRequests(t *testing.T) {
	perMinute, burst := fixedLimits(1, 10)
	l := New(50*time.Millisecond, time.Second, perMinute, burst)

	_, err := l.CheckAndConsume("tenant-a", "inference")
	require.NoError(t, err)
	_, err = l.CheckAndConsume("tenant-a", "inference")
	require.Error(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = l.CheckAndConsume("tenant-a", "inference")
	require.NoError(t, err, "expected window eviction to free up budget")
}

func TestBurstWindowRejectsRapidBurst(t *testing.T) {
	perMinute, burst := fixedLimits(1000, 2)
	l := New(time.Minute, 200*time.Millisecond, perMinute, burst)

	ok := 0
	for i := 0; i < 5; i++ {
		info, err := l.CheckAndConsume("tenant-a", "inference")
		if err == nil && info.Allowed {
			ok++
		}
	}
	require.LessOrEqual(t, ok, 3, "expected the burst bucket to reject some of 5 rapid-fire calls with capacity 2")
}
