package remote

import (
	"net/http"
	"strconv"
	"time"

	"github.com/wolfeidau/artifact-sync/resilience"
)

// HeaderScheme extracts the rate-limit signals from a response: the
// remaining request budget and the absolute reset time. Remotes with a
// different header naming scheme plug in here; everything past this
// boundary speaks (remaining, resetAt) only.
type HeaderScheme interface {
	// RateLimit returns the signals and true when the response carried
	// them, or false when it did not.
	RateLimit(resp *http.Response) (*resilience.CallResult, bool)
}

// XRateLimitScheme reads the common X-RateLimit-Remaining and
// X-RateLimit-Reset (epoch seconds) headers.
type XRateLimitScheme struct{}

// RateLimit implements HeaderScheme.
func (XRateLimitScheme) RateLimit(resp *http.Response) (*resilience.CallResult, bool) {
	remStr := resp.Header.Get("X-RateLimit-Remaining")
	resetStr := resp.Header.Get("X-RateLimit-Reset")
	if remStr == "" || resetStr == "" {
		return nil, false
	}

	remaining, err := strconv.Atoi(remStr)
	if err != nil || remaining < 0 {
		return nil, false
	}
	resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return nil, false
	}

	return &resilience.CallResult{
		Remaining: remaining,
		ResetAt:   time.Unix(resetUnix, 0),
	}, true
}

// Compile-time interface check
var _ HeaderScheme = XRateLimitScheme{}
