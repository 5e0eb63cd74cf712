package platform

import (
	"errors"
	"fmt"
	"time"
)

// ErrAccountRestricted means the authenticated account is blocked or limited
// by the remote platform. Fatal to an entire run, not just one call.
var ErrAccountRestricted = errors.New("account restricted by platform")

// ThrottledError is the platform's "retry after N" signal. Retryable within
// the governor's wait ceiling.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by platform, retry after %s", e.RetryAfter)
}

// RateLimitExceededError is produced by the governor when a throttle wait
// exceeds the configured ceiling or the attempt budget is exhausted. The
// current unit of work is abandoned; the run continues.
type RateLimitExceededError struct {
	Wait time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: requested wait %s above ceiling", e.Wait)
}

// IsThrottled reports whether err carries a throttle signal and returns the
// requested wait.
func IsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}
