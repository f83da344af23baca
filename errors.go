package artifactsync

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss is returned when a collection's blob is accessed
	// before it was initialized. Never resolved silently.
	ErrCacheMiss = errors.New("artifactsync: cache miss")

	// ErrCacheCorruption is returned when a stored blob fails archive
	// validation. The caller is expected to evict and refetch.
	ErrCacheCorruption = errors.New("artifactsync: cache corruption")

	// ErrCircuitOpen signals "do not retry now, retry later". It is not
	// a permanent failure.
	ErrCircuitOpen = errors.New("artifactsync: circuit open")

	// ErrNotFound is returned when a remote resource does not exist.
	ErrNotFound = errors.New("artifactsync: not found")
)

// FatalError marks a failure that must never be retried, such as
// invalid arguments or an explicit authorization denial.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so the retry layer propagates it on first occurrence.
// A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRetryable reports whether the retry layer may re-attempt after err.
// Fatal failures, open-circuit rejections and cancellations are not
// retryable; everything else (I/O and network-class failures) is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
