package planner

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Backoff paces and bounds retries of a planner provider call, shared by
// the anthropic/openai/bedrock adapters. Grounded on
// features/model/middleware/ratelimit.go's AdaptiveRateLimiter, narrowed
// here to a fixed-budget limiter plus a capped retry count rather than an
// AIMD scheme, since planner calls are not throughput-sensitive the way
// per-token model traffic is.
type Backoff struct {
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration

	// Retryable classifies whether an error is worth retrying at all
	// (provider throttling, transient transport failure). Nil means
	// retry unconditionally, matching the teacher's pre-classification
	// behavior for providers that don't expose a typed error.
	Retryable func(error) bool
}

// NewBackoff builds a Backoff allowing ratePerSecond calls per second
// (bursting once) with up to maxRetries retries, each additionally
// delayed by an exponentially increasing baseDelay.
func NewBackoff(ratePerSecond float64, maxRetries int, baseDelay time.Duration) *Backoff {
	return &Backoff{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Do invokes call, retrying on error up to maxRetries times with
// exponential backoff, racing each attempt's pacing wait against ctx.
func (b *Backoff) Do(ctx context.Context, call func(ctx context.Context) (PlannerDraft, error)) (PlannerDraft, error) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return PlannerDraft{}, fmt.Errorf("planner: rate limiter wait: %w", err)
		}
		draft, err := call(ctx)
		if err == nil {
			return draft, nil
		}
		lastErr = err
		if b.Retryable != nil && !b.Retryable(err) {
			return PlannerDraft{}, err
		}
		if attempt == b.maxRetries {
			break
		}
		delay := b.baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return PlannerDraft{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return PlannerDraft{}, fmt.Errorf("planner: exhausted %d retries: %w", b.maxRetries, lastErr)
}

// WithTimeout races call against a per-call timeout, racing it against a
// timer per spec.md section 5's "bounded by an explicit per-call timeout
// — default 180 s — enforced by racing the call against a timer; on
// timeout raise a planner failure".
func WithTimeout(ctx context.Context, timeout time.Duration, call func(ctx context.Context) (PlannerDraft, error)) (PlannerDraft, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		draft PlannerDraft
		err   error
	}
	done := make(chan result, 1)
	go func() {
		draft, err := call(ctx)
		done <- result{draft, err}
	}()

	select {
	case r := <-done:
		return r.draft, r.err
	case <-ctx.Done():
		return PlannerDraft{}, fmt.Errorf("planner: call timed out after %s: %w", timeout, ctx.Err())
	}
}

// DefaultTimeout is the spec-mandated default per-call planner timeout.
const DefaultTimeout = 180 * time.Second
