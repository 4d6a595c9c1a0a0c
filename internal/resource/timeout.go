package resource

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a call exceeds its bound and has no fallback
var ErrTimeout = errors.New("resource: request timed out")

// CallWithTimeout runs fn bounded by d. When the bound elapses the fallback
// is returned if one is given, ErrTimeout otherwise. Cancellation of ctx is
// reported as is and never replaced by the fallback.
func CallWithTimeout[T any](ctx context.Context, d time.Duration, fallback *T, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(timeoutCtx)
		done <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err == nil || ctx.Err() != nil || !errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return r.value, r.err
		}
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	if fallback != nil {
		return *fallback, nil
	}
	return zero, ErrTimeout
}
