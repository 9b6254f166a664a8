package worker

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedInvoker throttles invocations of a wrapped invoker with a
// token bucket. Worker backends are often metered APIs; the limiter keeps a
// fan-out burst from exhausting a shared quota.
type RateLimitedInvoker struct {
	next    Invoker
	limiter *rate.Limiter
}

// NewRateLimitedInvoker wraps next with the given sustained rate and burst.
func NewRateLimitedInvoker(next Invoker, perSecond float64, burst int) *RateLimitedInvoker {
	return &RateLimitedInvoker{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Invoke waits for a token, then delegates. Context cancellation during the
// wait surfaces as an error without consuming a token.
func (r *RateLimitedInvoker) Invoke(ctx context.Context, inv Invocation) (*TaskResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Invoke(ctx, inv)
}
