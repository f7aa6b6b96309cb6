// Package backoff is the single retry helper applied to mailbox calls.
// Call sites pass a retryable-error predicate instead of growing their
// own loops.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"
)

// Policy describes a bounded exponential retry.
type Policy struct {
	// MaxAttempts includes the first try. Values below 1 mean one try.
	MaxAttempts int
	// Initial is the delay before the second attempt; it doubles each
	// retry. Zero means 500ms.
	Initial time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil means Transient.
	Retryable func(error) bool
}

// Default is the policy applied to mailbox API calls.
var Default = Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond}

// Do runs fn until it succeeds, the policy is exhausted, or the error
// is not retryable. The last error is returned wrapped with the
// attempt count.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Initial
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

// Transient reports whether the error looks like a rate limit or
// provider-side failure that a later attempt could clear.
func Transient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests ||
			gerr.Code >= http.StatusInternalServerError
	}
	return false
}
