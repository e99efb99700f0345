package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/marketsync/marketsync/internal/core"
)

// RateLimit configures an adaptive bucket.
type RateLimit struct {
	MaxPerWindow   int
	Window         time.Duration
	RecoverAfterOK int
}

// DefaultLimits are the per-category ceilings used when config omits them.
var DefaultLimits = map[core.Category]RateLimit{
	core.CategorySellerGeneric:   {MaxPerWindow: 100, Window: 10 * time.Second, RecoverAfterOK: 10},
	core.CategorySellerMutations: {MaxPerWindow: 20, Window: 10 * time.Second, RecoverAfterOK: 10},
	core.CategoryBuyback:         {MaxPerWindow: 20, Window: 10 * time.Second, RecoverAfterOK: 10},
}

// ApplySafetyMargin scales MaxPerWindow by a ratio in (0, 1].
func (l RateLimit) ApplySafetyMargin(margin float64) RateLimit {
	if margin <= 0 || margin > 1 {
		return l
	}
	adjusted := int(math.Floor(float64(l.MaxPerWindow) * margin))
	if adjusted < 1 {
		adjusted = 1
	}
	l.MaxPerWindow = adjusted
	return l
}

// BucketState is a point-in-time view of a RateLimiter.
type BucketState struct {
	BaseMax      int           `json:"base_max"`
	EffectiveMax int           `json:"effective_max"`
	Tokens       float64       `json:"tokens"`
	Window       time.Duration `json:"window"`
	OKStreak     int           `json:"ok_streak"`
}

// RateLimiter is a continuous-refill token bucket whose ceiling shrinks on
// rate-limit signals and recovers after sustained success.
//
// Recovery raises the ceiling by max(1, ceil(25% of the gap to base)).
type RateLimiter struct {
	// Clock and Sleep may be replaced before first use.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	baseMax      int
	effectiveMax int
	tokens       float64
	window       time.Duration
	okStreak     int
	recoverAfter int
	last         time.Time
}

// NewRateLimiter builds a full bucket from limit.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	maxPerWindow := limit.MaxPerWindow
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	window := limit.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	recoverAfter := limit.RecoverAfterOK
	if recoverAfter < 1 {
		recoverAfter = 10
	}

	return &RateLimiter{
		baseMax:      maxPerWindow,
		effectiveMax: maxPerWindow,
		tokens:       float64(maxPerWindow),
		window:       window,
		recoverAfter: recoverAfter,
	}
}

// Acquire blocks until a token is available, consumes it, and returns the
// total time spent waiting.
func (r *RateLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	if r == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var waited time.Duration
	for {
		r.mu.Lock()
		r.refillLocked()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return waited, nil
		}
		rate := float64(r.effectiveMax) / r.window.Seconds()
		wait := time.Duration((1 - r.tokens) / rate * float64(time.Second))
		r.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := r.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Penalize multiplies the effective ceiling by factor, never below 1.
func (r *RateLimiter) Penalize(factor float64) {
	if r == nil || factor <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked()
	next := int(math.Floor(float64(r.effectiveMax) * factor))
	if next < 1 {
		next = 1
	}
	if next > r.baseMax {
		next = r.baseMax
	}
	r.effectiveMax = next
	if r.tokens > float64(next) {
		r.tokens = float64(next)
	}
	r.okStreak = 0
}

// RecordOK counts a success and steps the ceiling back toward base once the
// streak reaches the recovery threshold.
func (r *RateLimiter) RecordOK() {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.okStreak++
	if r.okStreak < r.recoverAfter {
		return
	}
	r.okStreak = 0

	gap := r.baseMax - r.effectiveMax
	if gap <= 0 {
		return
	}
	step := int(math.Ceil(float64(gap) * 0.25))
	if step < 1 {
		step = 1
	}
	r.effectiveMax += step
	if r.effectiveMax > r.baseMax {
		r.effectiveMax = r.baseMax
	}
}

// Snapshot returns the current bucket state.
func (r *RateLimiter) Snapshot() BucketState {
	if r == nil {
		return BucketState{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked()
	return BucketState{
		BaseMax:      r.baseMax,
		EffectiveMax: r.effectiveMax,
		Tokens:       r.tokens,
		Window:       r.window,
		OKStreak:     r.okStreak,
	}
}

func (r *RateLimiter) refillLocked() {
	now := r.now()
	if r.last.IsZero() {
		r.last = now
		return
	}

	elapsed := now.Sub(r.last)
	if elapsed <= 0 {
		return
	}
	r.last = now

	rate := float64(r.effectiveMax) / r.window.Seconds()
	r.tokens += elapsed.Seconds() * rate
	if ceiling := float64(r.effectiveMax); r.tokens > ceiling {
		r.tokens = ceiling
	}
}

func (r *RateLimiter) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *RateLimiter) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}
