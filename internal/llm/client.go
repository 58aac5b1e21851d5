package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64

	// Timeout bounds a single provider attempt.
	Timeout time.Duration

	// Jitter windows slept before each call. Heavy calls use the second pair.
	JitterMin      time.Duration
	JitterMax      time.Duration
	HeavyJitterMin time.Duration
	HeavyJitterMax time.Duration

	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64

	RateLimit service.RateLimiterConfig

	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxTokens:        4096,
		Temperature:      0.7,
		Timeout:          120 * time.Second,
		JitterMin:        200 * time.Millisecond,
		JitterMax:        1500 * time.Millisecond,
		HeavyJitterMin:   time.Second,
		HeavyJitterMax:   3 * time.Second,
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		Multiplier:       2,
		JitterFactor:     0.2,
		RateLimit:        service.DefaultRateLimiterConfig(),
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// GenerationError reports a call that kept failing transiently until the
// retry budget ran out. It unwraps to the last attempt's error.
type GenerationError struct {
	Provider string
	Attempts int
	Last     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation via %s failed after %d attempts: %v", e.Provider, e.Attempts, e.Last)
}

func (e *GenerationError) Unwrap() error {
	return e.Last
}

// Client implements core.Generator on top of a Provider.
type Client struct {
	provider Provider
	cfg      ClientConfig
	retry    *service.RetryPolicy
	limiter  *service.AdaptiveRateLimiter
	breaker  *CircuitBreaker
	clock    clockwork.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClock sets the clock used for jitter, backoff, rate limiting and the
// circuit breaker.
func WithClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithSeed makes jitter deterministic.
func WithSeed(seed int64) ClientOption {
	return func(c *Client) { c.rng = rand.New(rand.NewSource(seed)) }
}

var _ core.Generator = (*Client)(nil)

// NewClient wraps provider with the configured resilience policy.
func NewClient(provider Provider, cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   logging.NewNop(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retry = service.TransientRetryPolicy(
		service.WithMaxAttempts(cfg.MaxAttempts),
		service.WithBaseDelay(cfg.BaseDelay),
		service.WithMaxDelay(cfg.MaxDelay),
		service.WithMultiplier(cfg.Multiplier),
		service.WithJitter(cfg.JitterFactor),
		service.WithClock(c.clock),
	)
	rl := cfg.RateLimit
	rl.Clock = c.clock
	c.limiter = service.NewAdaptiveRateLimiter(rl)
	c.breaker = NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset, c.clock)
	return c
}

// Provider returns the wrapped provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Complete normalizes msgs for the requested actor and returns the
// generated text.
func (c *Client) Complete(ctx context.Context, msgs []core.Message, opts ...core.CompleteOption) (string, error) {
	o := core.ApplyCompleteOptions(opts...)
	if o.Actor != "" && !core.IsKnownActor(o.Actor) {
		return "", core.ErrValidation(core.CodeInvalidRequest, fmt.Sprintf("unknown actor %q", o.Actor))
	}
	op := o.Operation
	if op == "" {
		op = "complete"
	}
	name := c.provider.Name()
	log := c.logger.WithProvider(name).With("operation", op)

	system, dialogue := SplitSystem(Normalize(msgs, o.Actor))
	if len(dialogue) == 0 {
		return "", core.ErrValidation(core.CodeEmptyConversation, "conversation has no user or assistant turns")
	}

	req := Request{
		System:      system,
		Messages:    dialogue,
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if o.MaxTokens > 0 {
		req.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		req.Temperature = *o.Temperature
	}

	if !c.breaker.Allow() {
		c.metrics.ObserveGeneration(name, op, metrics.OutcomeRejected, 0, 0, 0)
		err := core.ErrProvider(0, "circuit breaker open")
		err.Code = core.CodeCircuitOpen
		return "", err
	}

	if err := c.sleepJitter(ctx, o.Heavy); err != nil {
		return "", err
	}

	start := c.clock.Now()
	attempts := 0
	var resp *Response
	err := c.retry.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		attempts++
		r, err := c.attempt(ctx, req, log)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		c.metrics.IncGenerationRetry(name)
		log.Warn("retrying generation call",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
	})
	elapsed := c.clock.Since(start)

	if err != nil {
		if core.IsTransient(err) || service.IsRetryExhausted(err) {
			if c.breaker.RecordFailure() {
				c.metrics.SetCircuitOpen(name, true)
				log.Warn("circuit breaker opened")
			}
		}
		c.metrics.ObserveGeneration(name, op, metrics.OutcomeError, elapsed, 0, 0)
		log.Error("generation call failed", "attempts", attempts, "duration", elapsed, "error", err)

		var exhausted *service.RetryExhaustedError
		if errors.As(err, &exhausted) {
			return "", &GenerationError{Provider: name, Attempts: exhausted.Attempts, Last: exhausted.LastErr}
		}
		return "", err
	}

	c.breaker.RecordSuccess()
	c.metrics.SetCircuitOpen(name, false)
	c.limiter.RecordSuccess()
	c.metrics.ObserveGeneration(name, op, metrics.OutcomeOK, elapsed, resp.InputTokens, resp.OutputTokens)
	log.Debug("generation call finished",
		"attempts", attempts,
		"duration", elapsed,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	return resp.Text, nil
}

func (c *Client) attempt(ctx context.Context, req Request, log *logging.Logger) (*Response, error) {
	if !c.limiter.TryAcquire() {
		log.Debug("waiting for rate limiter", "refill_rate", c.limiter.RefillRate())
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.provider.Generate(attemptCtx, req)
	if err != nil {
		// Parent cancellation is not a provider failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = ClassifyError(err)
		if core.IsCategory(err, core.ErrCatRateLimit) {
			c.limiter.RecordThrottle()
		}
		return nil, err
	}
	if resp == nil {
		return nil, core.ErrProvider(0, "provider returned no response")
	}
	return resp, nil
}

// sleepJitter waits a random duration from the configured window.
func (c *Client) sleepJitter(ctx context.Context, heavy bool) error {
	lo, hi := c.cfg.JitterMin, c.cfg.JitterMax
	if heavy {
		lo, hi = c.cfg.HeavyJitterMin, c.cfg.HeavyJitterMax
	}
	d := c.jitter(lo, hi)
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func (c *Client) jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return lo + time.Duration(c.rng.Int63n(int64(hi-lo)+1))
}
