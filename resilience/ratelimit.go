package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/artifact-sync/telemetry"
)

// Governor tracks the remote's reported request budget and holds
// callers back when it is exhausted. Running out of budget is never an
// error: Wait blocks until the reported reset time, bounded, and then
// lets the call proceed.
//
// State is a single (remaining, resetAt) pair updated under a lock, so
// concurrent refreshes never interleave into an inconsistent pair. The
// lock is never held across the wait itself.
type Governor struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool

	now    func() time.Time
	logger *slog.Logger
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithGovernorLogger sets the logger for budget waits.
func WithGovernorLogger(logger *slog.Logger) GovernorOption {
	return func(g *Governor) {
		g.logger = logger
	}
}

// WithGovernorNow sets the time function for testing.
func WithGovernorNow(now func() time.Time) GovernorOption {
	return func(g *Governor) {
		g.now = now
	}
}

// NewGovernor creates a governor with an unknown budget, which admits
// calls until the first Update reports otherwise.
func NewGovernor(opts ...GovernorOption) *Governor {
	g := &Governor{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Update refreshes the budget from the most recent remote response.
// Negative remaining values are clamped to zero.
func (g *Governor) Update(remaining int, resetAt time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = remaining
	g.resetAt = resetAt
	g.known = true
}

// Wait blocks only while the reported budget is exhausted, bounded by
// the time until the reported reset. It returns early with the context
// error if ctx is cancelled during the wait.
func (g *Governor) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.known || g.remaining > 0 {
		g.mu.Unlock()
		return nil
	}
	delay := g.resetAt.Sub(g.now())
	g.mu.Unlock()

	if delay <= 0 {
		g.clearExhausted()
		return nil
	}

	g.logger.Debug("rate limit exhausted, waiting", "delay", delay)
	start := g.now()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	telemetry.RecordGovernorWait(ctx, g.now().Sub(start))
	g.clearExhausted()
	return nil
}

// Remaining returns the last reported budget and reset time. The second
// return is false until the first Update.
func (g *Governor) Remaining() (int, time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining, g.resetAt, g.known
}

// clearExhausted forgets an exhausted budget whose reset time has
// passed, so subsequent calls proceed until the next Update.
func (g *Governor) clearExhausted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.known && g.remaining == 0 && !g.now().Before(g.resetAt) {
		g.known = false
	}
}
