package service

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiterConfig configures a token bucket.
type RateLimiterConfig struct {
	MaxTokens  float64 // bucket capacity, at least 1
	RefillRate float64 // tokens per second
	Clock      clockwork.Clock
}

// DefaultRateLimiterConfig allows bursts of ten and two calls a second.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{MaxTokens: 10, RefillRate: 2}
}

// RateLimiter is a token bucket. Acquire reserves a token up front, letting
// the balance go negative, and sleeps until the debt is repaid, so blocked
// callers are served in arrival order.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	capacity float64
	rate     float64
	balance  float64
	updated  time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultRateLimiterConfig().RefillRate
	}
	cfg.MaxTokens = max(cfg.MaxTokens, 1)
	return &RateLimiter{
		clock:    cfg.Clock,
		capacity: cfg.MaxTokens,
		rate:     cfg.RefillRate,
		balance:  cfg.MaxTokens,
		updated:  cfg.Clock.Now(),
	}
}

// advance credits tokens earned since the last update. Callers hold mu.
func (r *RateLimiter) advance() {
	now := r.clock.Now()
	r.balance = min(r.capacity, r.balance+now.Sub(r.updated).Seconds()*r.rate)
	r.updated = now
}

// Acquire takes one token, waiting for it if the bucket is empty. A
// cancelled wait returns the token.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.advance()
	r.balance--
	var wait time.Duration
	if r.balance < 0 {
		wait = time.Duration(-r.balance / r.rate * float64(time.Second))
	}
	r.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-r.clock.After(wait):
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.balance++
		r.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a token only if one is available now.
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	if r.balance < 1 {
		return false
	}
	r.balance--
	return true
}

// Available reports the tokens that could be taken right now.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return max(r.balance, 0)
}

// RefillRate reports the current tokens-per-second rate.
func (r *RateLimiter) RefillRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// scaleRate multiplies the refill rate, keeping it within [lo, hi].
func (r *RateLimiter) scaleRate(factor, lo, hi float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.rate = min(hi, max(lo, r.rate*factor))
}

// Adaptive tuning.
const (
	throttleFactor  = 0.5
	recoveryFactor  = 1.1
	recoveryStreak  = 5
	minRateFraction = 0.1
	maxRateMultiple = 2.0
)

// AdaptiveRateLimiter halves its rate whenever the provider throttles and
// raises it by a tenth after every five successes in a row, staying between
// a tenth and twice the configured rate.
type AdaptiveRateLimiter struct {
	*RateLimiter
	lo, hi float64

	mu     sync.Mutex
	streak int
}

// NewAdaptiveRateLimiter creates an adaptive limiter around cfg.
func NewAdaptiveRateLimiter(cfg RateLimiterConfig) *AdaptiveRateLimiter {
	rl := NewRateLimiter(cfg)
	return &AdaptiveRateLimiter{
		RateLimiter: rl,
		lo:          rl.rate * minRateFraction,
		hi:          rl.rate * maxRateMultiple,
	}
}

// RecordSuccess counts a call that went through.
func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	a.streak++
	raise := a.streak >= recoveryStreak
	if raise {
		a.streak = 0
	}
	a.mu.Unlock()
	if raise {
		a.scaleRate(recoveryFactor, a.lo, a.hi)
	}
}

// RecordThrottle counts a call the provider rejected for rate.
func (a *AdaptiveRateLimiter) RecordThrottle() {
	a.mu.Lock()
	a.streak = 0
	a.mu.Unlock()
	a.scaleRate(throttleFactor, a.lo, a.hi)
}
