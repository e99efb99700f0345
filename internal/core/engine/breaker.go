package engine

import (
	"sync"
	"time"
)

// BreakerConfig controls when a CircuitBreaker opens.
type BreakerConfig struct {
	FailThreshold int
	Cooldown      time.Duration
}

// DefaultBreakerConfig opens after five consecutive failures for a minute.
var DefaultBreakerConfig = BreakerConfig{FailThreshold: 5, Cooldown: 60 * time.Second}

// CircuitBreaker fails fast for a cooldown after a streak of failures.
// Opening resets the streak so recovery needs a fresh run of failures.
type CircuitBreaker struct {
	Clock func() time.Time

	mu        sync.Mutex
	cfg       BreakerConfig
	failures  int
	openUntil time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailThreshold < 1 {
		cfg.FailThreshold = DefaultBreakerConfig.FailThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow reports whether calls may proceed.
func (b *CircuitBreaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// RemainingCooldown returns how long the breaker stays open.
func (b *CircuitBreaker) RemainingCooldown() time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.openUntil.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess clears the failure streak.
func (b *CircuitBreaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure extends the streak and reports whether this call opened the breaker.
func (b *CircuitBreaker) RecordFailure() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.cfg.FailThreshold {
		return false
	}
	b.failures = 0
	b.openUntil = b.now().Add(b.cfg.Cooldown)
	return true
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}
