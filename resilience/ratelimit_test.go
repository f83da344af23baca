package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGovernorUnknownBudgetAdmits(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	_, _, known := g.Remaining()
	require.False(t, known)
}

func TestGovernorRemainingBudgetAdmits(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))
	g.Update(10, time.Now().Add(time.Hour))

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGovernorWaitsUntilReset(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))
	g.Update(0, time.Now().Add(100*time.Millisecond))

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	// The exhausted budget is forgotten once the reset passes.
	_, _, known := g.Remaining()
	require.False(t, known)

	start = time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGovernorExpiredResetAdmits(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))
	g.Update(0, time.Now().Add(-time.Second))

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGovernorWaitCancellation(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))
	g.Update(0, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGovernorClampsNegativeRemaining(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))
	g.Update(-5, time.Now().Add(time.Hour))

	remaining, _, known := g.Remaining()
	require.True(t, known)
	require.Equal(t, 0, remaining)
}

func TestGovernorConcurrentUpdatesStayConsistent(t *testing.T) {
	g := NewGovernor(WithGovernorLogger(discardLogger()))

	// Each writer publishes a (remaining, resetAt) pair where the reset
	// encodes the remaining count, so a torn pair is detectable.
	base := time.Unix(1700000000, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Update(n, base.Add(time.Duration(n)*time.Second))
			}
		}(i + 1)
	}
	wg.Wait()

	remaining, resetAt, known := g.Remaining()
	require.True(t, known)
	require.Equal(t, base.Add(time.Duration(remaining)*time.Second), resetAt)
}
