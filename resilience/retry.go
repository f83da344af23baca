package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/telemetry"
)

const (
	// DefaultMaxAttempts is the total invocation budget per operation.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the randomization factor applied to each delay.
	DefaultJitter = 0.2
)

// RetryPolicy retries retryable failures with exponential backoff.
// Fatal failures propagate on first occurrence without consuming the
// retry budget, and context cancellation aborts immediately and is
// reported as the context error, not as an operation failure.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	logger      *slog.Logger
}

// RetryPolicyOption configures a RetryPolicy.
type RetryPolicyOption func(*RetryPolicy)

// WithMaxAttempts sets the total invocation budget.
func WithMaxAttempts(n int) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.maxAttempts = n
	}
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.baseDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.maxDelay = d
	}
}

// WithJitter sets the randomization factor (0 disables jitter).
func WithJitter(f float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.jitter = f
	}
}

// WithRetryLogger sets the logger for retry attempts.
func WithRetryLogger(logger *slog.Logger) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// NewRetryPolicy creates a policy with the default budget and delays.
func NewRetryPolicy(opts ...RetryPolicyOption) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		jitter:      DefaultJitter,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return p
}

// MaxAttempts returns the total invocation budget.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns the unjittered backoff delay after the given zero-based
// attempt: baseDelay * 2^attempt, capped at the maximum. The actual
// suspension mechanism lives in Execute, so the schedule stays a pure
// function of the attempt number.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// Execute invokes op, retrying retryable failures until one succeeds or
// the attempt budget is exhausted, at which point the final failure is
// returned.
func (p *RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.baseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = p.jitter
	eb.MaxInterval = p.maxDelay

	attempt := 0
	operation := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !artifactsync.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, delay time.Duration) {
		p.logger.Debug("retrying after failure", "attempt", attempt, "delay", delay, "error", err)
		telemetry.RecordRetry(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.maxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		// Cancellation is reported as such, never as an operation failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
