package mcp

import (
	"context"
	"time"
)

type RetryPolicy struct {
	Attempts int
	// Delay is the wait after the first failure; it doubles after each
	// further failure.
	Delay time.Duration
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithRetry runs op up to p.Attempts times, waiting Delay*2^attempt between
// attempts. Every attempt is recorded in m.
func WithRetry[T any](ctx context.Context, m *Monitor, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		start := time.Now()
		v, err := op(ctx)
		if err == nil {
			m.RecordSuccess(time.Since(start))
			return v, nil
		}
		lastErr = err
		m.RecordFailure(err.Error())

		if attempt == p.Attempts-1 {
			break
		}
		if err := p.Sleep(ctx, p.Delay*time.Duration(1<<attempt)); err != nil {
			return zero, newError(CodeTimeout, "retry aborted", err)
		}
	}
	return zero, lastErr
}
