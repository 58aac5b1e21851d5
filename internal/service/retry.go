package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// RetryPolicy runs an operation until it succeeds, fails with an error the
// policy does not retry, or uses up MaxAttempts. Waits grow geometrically
// from BaseDelay by Multiplier, are capped at MaxDelay and spread by
// JitterFactor in both directions.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Multiplier   float64

	// ShouldRetry classifies errors. Nil means core.IsRetryable.
	ShouldRetry func(error) bool

	// Clock drives the waits. Nil means the real clock.
	Clock clockwork.Clock
}

// RetryHint is implemented by errors that carry a server-requested wait,
// such as an HTTP Retry-After header.
type RetryHint interface {
	RetryAfter() time.Duration
}

// DefaultRetryPolicy returns three attempts starting at one second.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		Multiplier:   2.0,
	}
}

// RetryPolicyOption configures a retry policy.
type RetryPolicyOption func(*RetryPolicy)

func WithMaxAttempts(n int) RetryPolicyOption { return func(p *RetryPolicy) { p.MaxAttempts = n } }
func WithBaseDelay(d time.Duration) RetryPolicyOption { return func(p *RetryPolicy) { p.BaseDelay = d } }
func WithMaxDelay(d time.Duration) RetryPolicyOption { return func(p *RetryPolicy) { p.MaxDelay = d } }
func WithJitter(factor float64) RetryPolicyOption { return func(p *RetryPolicy) { p.JitterFactor = factor } }
func WithMultiplier(m float64) RetryPolicyOption { return func(p *RetryPolicy) { p.Multiplier = m } }
func WithClock(c clockwork.Clock) RetryPolicyOption { return func(p *RetryPolicy) { p.Clock = c } }

// WithRetryIf replaces the error classifier.
func WithRetryIf(fn func(error) bool) RetryPolicyOption {
	return func(p *RetryPolicy) { p.ShouldRetry = fn }
}

// NewRetryPolicy applies opts over DefaultRetryPolicy.
func NewRetryPolicy(opts ...RetryPolicyOption) *RetryPolicy {
	p := DefaultRetryPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TransientRetryPolicy retries timeouts, rate limits, network failures and
// provider 5xx responses, whatever their Retryable flag says.
func TransientRetryPolicy(opts ...RetryPolicyOption) *RetryPolicy {
	return NewRetryPolicy(append([]RetryPolicyOption{WithRetryIf(core.IsTransient)}, opts...)...)
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func(ctx context.Context) error

// RetryNotifyFunc is called before each wait with the failed attempt's
// number and error.
type RetryNotifyFunc func(attempt int, err error, delay time.Duration)

// Execute runs fn under the policy.
func (p *RetryPolicy) Execute(ctx context.Context, fn RetryableFunc) error {
	return p.ExecuteWithNotify(ctx, fn, nil)
}

// ExecuteWithNotify runs fn under the policy and reports every wait to
// notify. A cancelled context ends the loop with the context error, which
// mentions the last attempt's error. Running out of attempts returns a
// *RetryExhaustedError.
func (p *RetryPolicy) ExecuteWithNotify(ctx context.Context, fn RetryableFunc, notify RetryNotifyFunc) error {
	attempts := max(p.MaxAttempts, 1)
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return withLast(err, last)
		}
		last = fn(ctx)
		switch {
		case last == nil:
			return nil
		case !p.shouldRetry(last):
			return last
		case attempt >= attempts:
			return &RetryExhaustedError{Attempts: attempts, LastErr: last}
		}

		delay := p.delayFor(attempt, last)
		if notify != nil {
			notify(attempt, last, delay)
		}
		select {
		case <-ctx.Done():
			return withLast(ctx.Err(), last)
		case <-clock.After(delay):
		}
	}
}

func withLast(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}

func (p *RetryPolicy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return core.IsRetryable(err)
}

// delayFor honours a server hint when it asks for longer than the backoff,
// still bounded by MaxDelay.
func (p *RetryPolicy) delayFor(attempt int, err error) time.Duration {
	delay := p.CalculateDelay(attempt)
	var hint RetryHint
	if errors.As(err, &hint) && hint.RetryAfter() > delay {
		delay = hint.RetryAfter()
		if p.MaxDelay > 0 {
			delay = min(delay, p.MaxDelay)
		}
	}
	return delay
}

// CalculateDelay is the jittered wait after the given failed attempt.
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	d := float64(p.CalculateDelayNoJitter(attempt))
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// CalculateDelayNoJitter is BaseDelay * Multiplier^(attempt-1), capped.
func (p *RetryPolicy) CalculateDelayNoJitter(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	return time.Duration(d)
}

// RetryExhaustedError reports that every attempt failed with a retryable error.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// IsRetryExhausted reports whether err wraps a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
