package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flexa/flexa-android-sub000/internal/domain"
)

// Policy is a bounded fixed-delay retry budget.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Policies used by the session engine.
var (
	PollPolicy   = Policy{MaxAttempts: 3, Delay: time.Second}
	CreatePolicy = Policy{MaxAttempts: 5, Delay: time.Second}
	PatchPolicy  = Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond}
	ClosePolicy  = Policy{MaxAttempts: 3, Delay: time.Second}
)

// BackOff returns the backoff schedule for p bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, the budget is exhausted or ctx ends. Auth
// and validation errors are never retried, nor is cancellation. The last
// error is returned on exhaustion.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback invoked before each wait.
func DoNotify[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify func(err error, wait time.Duration)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, p.BackOff(ctx), notify)
}

func retryable(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindAuth, domain.KindValidation:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// WithTimeout runs op under a deadline of d. When the deadline elapses before
// op returns, the result is a TimeoutError.
func WithTimeout[T any](ctx context.Context, op string, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	out, err := fn(tctx)
	if err == nil {
		return out, nil
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, domain.NewTimeoutError(op, err)
	}
	return out, err
}
