// Package resilience provides the failure-handling primitives every
// remote call passes through: retry with backoff, a circuit breaker, a
// rate-limit governor and a bounded connection pool, composed by the
// Invoker. Instances are plain constructed objects passed by reference;
// a "reset" is constructing a fresh instance.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-sync/telemetry"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold is the consecutive failure count that
	// opens the breaker.
	DefaultFailureThreshold = 5

	// DefaultCooldown is how long an open breaker rejects calls before
	// admitting a probe.
	DefaultCooldown = 30 * time.Second
)

// Breaker is a circuit breaker over consecutive remote failures.
//
// Transitions: closed -> open once failures reach the threshold,
// open -> half-open after the cooldown, half-open -> closed on a probe
// success and half-open -> open on a probe failure. A failure reported
// concurrently with a probe success wins: the breaker re-opens, and a
// success recorded while open never resets the failure counter.
type Breaker struct {
	mu             sync.Mutex
	state          BreakerState
	failures       int
	lastTransition time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger for breaker transitions.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithBreakerNow sets the time function for testing.
func WithBreakerNow(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed breaker. A threshold or cooldown of zero
// selects the default.
func NewBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    slog.Default(),
	}
	if b.threshold <= 0 {
		b.threshold = DefaultFailureThreshold
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// IsOpen reports whether the breaker currently rejects calls. An open
// breaker whose cooldown has elapsed reports false: it is eligible for
// a half-open probe on the next call. IsOpen never mutates state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.lastTransition) < b.cooldown
}

// Allow reports whether a call may proceed, transitioning an expired
// open breaker to half-open to admit the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	if b.now().Sub(b.lastTransition) < b.cooldown {
		return false
	}
	b.transition(StateHalfOpen)
	return true
}

// OnSuccess records a successful call. It resets the failure counter
// and closes a half-open breaker, but is a no-op while the breaker is
// open so that a racing failure report keeps precedence.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed)
	case StateOpen:
		// Success reported while open (racing probe): ignored.
	}
}

// OnFailure records a failed call. It re-opens a half-open breaker and
// opens a closed one once the threshold is reached.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateOpen:
		// Already open, extend nothing: the cooldown runs from the
		// opening transition.
	}
}

// State returns the current state without accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure counter.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.lastTransition = b.now()
	b.logger.Debug("breaker transition", "from", from.String(), "to", to.String(), "failures", b.failures)
	telemetry.RecordBreakerTransition(context.Background(), from.String(), to.String())
}
