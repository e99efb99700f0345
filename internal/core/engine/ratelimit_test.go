package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketsync/marketsync/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func newTestLimiter(clock *fakeClock, limit RateLimit) *RateLimiter {
	limiter := NewRateLimiter(limit)
	limiter.Clock = clock.Now
	limiter.Sleep = clock.Sleep
	return limiter
}

func TestRateLimiterBurstThenWait(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, RateLimit{MaxPerWindow: 10, Window: 10 * time.Second, RecoverAfterOK: 10})

	for i := 0; i < 10; i++ {
		wait, err := limiter.Acquire(context.Background())
		require.NoError(t, err)
		require.Zero(t, wait, "acquire %d", i+1)
	}

	wait, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	require.InDelta(t, float64(time.Second), float64(wait), float64(10*time.Millisecond))
}

func TestRateLimiterTokensStayInBounds(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, RateLimit{MaxPerWindow: 5, Window: time.Second, RecoverAfterOK: 3})
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		switch rng.IntN(4) {
		case 0:
			_, err := limiter.Acquire(context.Background())
			require.NoError(t, err)
		case 1:
			limiter.Penalize(0.5)
		case 2:
			limiter.RecordOK()
		default:
			clock.Advance(time.Duration(rng.IntN(500)) * time.Millisecond)
		}

		state := limiter.Snapshot()
		require.GreaterOrEqual(t, state.Tokens, 0.0)
		require.LessOrEqual(t, state.Tokens, float64(state.EffectiveMax))
		require.GreaterOrEqual(t, state.EffectiveMax, 1)
		require.LessOrEqual(t, state.EffectiveMax, state.BaseMax)
	}
}

func TestRateLimiterPenalizeAndRecover(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, RateLimit{MaxPerWindow: 100, Window: 10 * time.Second, RecoverAfterOK: 10})

	limiter.Penalize(0.5)
	require.Equal(t, 50, limiter.Snapshot().EffectiveMax)

	for i := 0; i < 9; i++ {
		limiter.RecordOK()
	}
	require.Equal(t, 50, limiter.Snapshot().EffectiveMax)

	limiter.RecordOK()
	state := limiter.Snapshot()
	require.Greater(t, state.EffectiveMax, 50)
	require.LessOrEqual(t, state.EffectiveMax, 100)
	require.Equal(t, 63, state.EffectiveMax)
	require.Zero(t, state.OKStreak)

	for i := 0; i < 1000; i++ {
		limiter.RecordOK()
	}
	require.Equal(t, 100, limiter.Snapshot().EffectiveMax)
}

func TestRateLimiterPenalizeClampsToOne(t *testing.T) {
	limiter := newTestLimiter(newFakeClock(), RateLimit{MaxPerWindow: 3, Window: time.Second})
	for i := 0; i < 5; i++ {
		limiter.Penalize(0.1)
	}
	state := limiter.Snapshot()
	require.Equal(t, 1, state.EffectiveMax)
	require.LessOrEqual(t, state.Tokens, 1.0)
}

func TestRateLimiterPenalizeResetsStreak(t *testing.T) {
	limiter := newTestLimiter(newFakeClock(), RateLimit{MaxPerWindow: 10, Window: time.Second, RecoverAfterOK: 5})
	limiter.Penalize(0.5)
	for i := 0; i < 4; i++ {
		limiter.RecordOK()
	}
	limiter.Penalize(1)
	require.Zero(t, limiter.Snapshot().OKStreak)
	limiter.RecordOK()
	require.Equal(t, 5, limiter.Snapshot().EffectiveMax)
}

func TestRateLimiterAcquireCancelled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{MaxPerWindow: 1, Window: time.Hour})
	_, err := limiter.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimitMargin(t *testing.T) {
	limit := RateLimit{MaxPerWindow: 10, Window: time.Second}
	require.Equal(t, 9, limit.ApplySafetyMargin(0.9).MaxPerWindow)
	require.Equal(t, 10, limit.ApplySafetyMargin(0).MaxPerWindow)
	require.Equal(t, 1, RateLimit{MaxPerWindow: 1}.ApplySafetyMargin(0.1).MaxPerWindow)
}

func TestDefaultLimitsCoverCategories(t *testing.T) {
	for _, cat := range []core.Category{core.CategorySellerGeneric, core.CategorySellerMutations, core.CategoryBuyback} {
		_, ok := DefaultLimits[cat]
		require.True(t, ok, "missing %s", cat)
	}
}
