package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(BreakerConfig{FailThreshold: 5, Cooldown: 60 * time.Second})
	breaker.Clock = clock.Now

	for i := 0; i < 4; i++ {
		require.False(t, breaker.RecordFailure())
		require.True(t, breaker.Allow())
	}
	require.True(t, breaker.RecordFailure())
	require.False(t, breaker.Allow())
	require.Zero(t, breaker.Failures())
	require.Equal(t, 60*time.Second, breaker.RemainingCooldown())

	clock.Advance(59 * time.Second)
	require.False(t, breaker.Allow())

	clock.Advance(time.Second)
	require.True(t, breaker.Allow())
	require.Zero(t, breaker.RemainingCooldown())
}

func TestCircuitBreakerSuccessResetsStreak(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{FailThreshold: 5, Cooldown: time.Minute})

	for i := 0; i < 4; i++ {
		breaker.RecordFailure()
	}
	breaker.RecordSuccess()
	require.Zero(t, breaker.Failures())

	for i := 0; i < 4; i++ {
		require.False(t, breaker.RecordFailure())
	}
	require.True(t, breaker.Allow())
}

func TestCircuitBreakerNeedsFreshStreakAfterOpen(t *testing.T) {
	clock := newFakeClock()
	breaker := NewCircuitBreaker(BreakerConfig{FailThreshold: 2, Cooldown: time.Second})
	breaker.Clock = clock.Now

	breaker.RecordFailure()
	require.True(t, breaker.RecordFailure())
	clock.Advance(2 * time.Second)
	require.True(t, breaker.Allow())

	require.False(t, breaker.RecordFailure())
	require.True(t, breaker.Allow())
}

func TestCircuitBreakerDefaults(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerConfig{})
	for i := 0; i < DefaultBreakerConfig.FailThreshold-1; i++ {
		breaker.RecordFailure()
	}
	require.True(t, breaker.Allow())
	breaker.RecordFailure()
	require.False(t, breaker.Allow())
}
