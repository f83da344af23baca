package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesClientPerHost(t *testing.T) {
	p := NewPool(WithPoolLogger(discardLogger()))

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)
	c2, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)
	c3, err := p.Acquire(ctx, "other.example.com:443")
	require.NoError(t, err)

	require.Same(t, c1.Client(), c2.Client())
	require.NotSame(t, c1.Client(), c3.Client())
	require.Equal(t, "example.com:443", c1.Host())

	c1.Release()
	c2.Release()
	c3.Release()
}

func TestPoolBoundsConcurrentLeases(t *testing.T) {
	p := NewPool(WithMaxConns(1), WithPoolLogger(discardLogger()))

	ctx := context.Background()
	c1, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)

	// The second lease blocks until the first is released.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blockedCtx, "example.com:443")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c1.Release()
	c2, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)
	c2.Release()
}

func TestPoolReleaseIdempotent(t *testing.T) {
	p := NewPool(WithMaxConns(1), WithPoolLogger(discardLogger()))

	ctx := context.Background()
	c, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)

	c.Release()
	c.Release()

	// A double release must not free a lease twice: with a bound of one,
	// two sequential acquires still work but a corrupted semaphore would
	// allow two concurrent ones.
	c1, err := p.Acquire(ctx, "example.com:443")
	require.NoError(t, err)
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blockedCtx, "example.com:443")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	c1.Release()
}

func TestPoolShutdownFailsFast(t *testing.T) {
	p := NewPool(WithPoolLogger(discardLogger()))

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Acquire(context.Background(), "example.com:443")
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolShutdownDrainsInflight(t *testing.T) {
	p := NewPool(WithPoolLogger(discardLogger()))

	c, err := p.Acquire(context.Background(), "example.com:443")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Release()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	<-released
}

func TestPoolShutdownTimesOutOnStuckLease(t *testing.T) {
	p := NewPool(WithPoolLogger(discardLogger()))

	c, err := p.Acquire(context.Background(), "example.com:443")
	require.NoError(t, err)
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}
