package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError signals an HTTP 429 from a provider. RetryAfter carries
// the provider-supplied wait hint when one was present, else zero.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s: %v", e.Provider, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ContentBlockedError signals that the provider refused to answer on
// content safety grounds. It must be distinguished from generic failures
// so the diagnostic detail names the real cause.
type ContentBlockedError struct {
	Provider string
	Reason   string
}

func (e *ContentBlockedError) Error() string {
	return fmt.Sprintf("%s blocked the request: %s", e.Provider, e.Reason)
}

// IsRetryable reports whether the error warrants another attempt against
// the same provider: rate limits and timeouts, nothing else.
func IsRetryable(err error) bool {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return true
	}
	return isTimeout(err)
}

// isTimeout covers deadline expiry on the request context and network-level
// timeouts. A caller-cancelled context is not a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
