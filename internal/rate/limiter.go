// Package rate gates outbound API calls so the responder stays inside
// provider quota.
package rate

import (
	"context"
	"fmt"

	xrate "golang.org/x/time/rate"
)

// Limiter gates outbound API calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

// PerSecond returns a limiter releasing rps calls per second with a
// burst of rps, so a short batch of metadata fetches is not serialized.
func PerSecond(rps int) Limiter {
	if rps <= 0 {
		rps = 1
	}
	return &limiter{inner: xrate.NewLimiter(xrate.Limit(rps), rps)}
}

// None returns a limiter that never blocks. Tests and dry runs use it.
func None() Limiter { return noLimiter{} }

type limiter struct {
	inner *xrate.Limiter
}

func (l *limiter) Wait(ctx context.Context) error {
	if err := l.inner.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}
	return nil
}

type noLimiter struct{}

func (noLimiter) Wait(context.Context) error { return nil }
