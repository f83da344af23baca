package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/telemetry"
)

// CallResult carries the rate-limit signals surfaced by a completed
// remote call: the remaining request budget and the absolute time it
// resets.
type CallResult struct {
	Remaining int
	ResetAt   time.Time
}

// Operation is one remote call executed under a leased connection. It
// returns the rate-limit signals observed on the response, or nil when
// the response carried none.
type Operation func(ctx context.Context, conn *Conn) (*CallResult, error)

// Invoker composes the rate-limit governor, circuit breaker, connection
// pool and retry policy into the single wrapper every remote operation
// goes through:
//
//	governor wait -> breaker admission -> lease connection ->
//	retry-wrapped execute -> breaker/governor bookkeeping.
//
// Breaker bookkeeping records terminal outcomes only; individual retry
// attempts inside one invocation do not flap the breaker.
type Invoker struct {
	retry    *RetryPolicy
	breaker  *Breaker
	governor *Governor
	pool     *Pool
	logger   *slog.Logger

	calls      atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(iv *Invoker) {
		iv.logger = logger
	}
}

// NewInvoker creates an invoker over explicitly constructed primitives.
// Nil primitives select defaults, so NewInvoker(nil, nil, nil, nil)
// yields a working stack.
func NewInvoker(retry *RetryPolicy, breaker *Breaker, governor *Governor, pool *Pool, opts ...InvokerOption) *Invoker {
	iv := &Invoker{
		retry:    retry,
		breaker:  breaker,
		governor: governor,
		pool:     pool,
		logger:   slog.Default(),
	}
	if iv.retry == nil {
		iv.retry = NewRetryPolicy()
	}
	if iv.breaker == nil {
		iv.breaker = NewBreaker(0, 0)
	}
	if iv.governor == nil {
		iv.governor = NewGovernor()
	}
	if iv.pool == nil {
		iv.pool = NewPool()
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Breaker returns the composed circuit breaker.
func (iv *Invoker) Breaker() *Breaker {
	return iv.breaker
}

// Governor returns the composed rate-limit governor.
func (iv *Invoker) Governor() *Governor {
	return iv.governor
}

// Pool returns the composed connection pool.
func (iv *Invoker) Pool() *Pool {
	return iv.pool
}

// Invoke runs op against the given host:port under the full resilience
// stack. Terminal failures are reported to the breaker exactly once;
// terminal successes additionally feed the governor with the observed
// rate-limit signals. Cancellation of ctx is reported as the context
// error and is never counted as a failure.
func (iv *Invoker) Invoke(ctx context.Context, hostport string, op Operation) error {
	iv.calls.Add(1)
	start := time.Now()

	if err := iv.governor.Wait(ctx); err != nil {
		return err
	}

	if !iv.breaker.Allow() {
		iv.rejections.Add(1)
		telemetry.RecordRemoteCall(ctx, hostport, "circuit_open", time.Since(start))
		return fmt.Errorf("calling %s: %w", hostport, artifactsync.ErrCircuitOpen)
	}

	conn, err := iv.pool.Acquire(ctx, hostport)
	if err != nil {
		return err
	}
	defer conn.Release()

	var result *CallResult
	err = iv.retry.Execute(ctx, func(ctx context.Context) error {
		res, opErr := op(ctx, conn)
		if res != nil {
			result = res
		}
		return opErr
	})
	if err != nil {
		// A caller abort says nothing about remote health: the breaker
		// and failure counter stay untouched.
		if ctx.Err() != nil {
			telemetry.RecordRemoteCall(ctx, hostport, "cancelled", time.Since(start))
			return err
		}
		iv.failures.Add(1)
		iv.breaker.OnFailure()
		telemetry.RecordRemoteCall(ctx, hostport, "failure", time.Since(start))
		return err
	}

	iv.breaker.OnSuccess()
	if result != nil {
		iv.governor.Update(result.Remaining, result.ResetAt)
	}
	telemetry.RecordRemoteCall(ctx, hostport, "success", time.Since(start))
	return nil
}

// InvokerStats is a point-in-time snapshot of the invoker counters.
// Counters are monotonic and never implicitly reset.
type InvokerStats struct {
	Calls               int64
	Failures            int64
	CircuitRejections   int64
	ConsecutiveFailures int
	BreakerState        BreakerState
}

// Stats returns a snapshot of the invoker counters and breaker state.
func (iv *Invoker) Stats() InvokerStats {
	return InvokerStats{
		Calls:               iv.calls.Load(),
		Failures:            iv.failures.Load(),
		CircuitRejections:   iv.rejections.Load(),
		ConsecutiveFailures: iv.breaker.ConsecutiveFailures(),
		BreakerState:        iv.breaker.State(),
	}
}
