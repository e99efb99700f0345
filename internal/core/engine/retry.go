package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff configures exponential backoff with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultRequestBackoff is used by the requester between attempts.
var DefaultRequestBackoff = Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.3}

// DefaultPageBackoff is used by the paginator between per-page attempts.
var DefaultPageBackoff = Backoff{Base: 600 * time.Millisecond, Max: 12 * time.Second, Jitter: 0.3}

var defaultRetryStatuses = map[int]struct{}{
	408: {}, 409: {}, 423: {}, 425: {}, 429: {},
	500: {}, 502: {}, 503: {}, 504: {},
}

// BackoffDelay returns min(base*2^(attempt-1), max) scaled uniformly by 1±jitter.
func BackoffDelay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	return backoffDelay(attempt, base, max, jitter, rand.Float64)
}

// Delay applies BackoffDelay with the receiver's settings.
func (b Backoff) Delay(attempt int) time.Duration {
	return BackoffDelay(attempt, b.Base, b.Max, b.Jitter)
}

func backoffDelay(attempt int, base, max time.Duration, jitter float64, random func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	if max <= 0 {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}

	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) || math.IsInf(exp, 0) {
		exp = float64(max)
	}

	scale := 1 + jitter*(2*random()-1)
	delay := time.Duration(exp * scale)
	if delay < 0 {
		return 0
	}
	return delay
}

// IsRetryable reports whether a status is retried by default or listed in extras.
func IsRetryable(status int, extras ...int) bool {
	if _, ok := defaultRetryStatuses[status]; ok {
		return true
	}
	for _, extra := range extras {
		if extra == status {
			return true
		}
	}
	return false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
