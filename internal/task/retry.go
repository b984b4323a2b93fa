package task

import (
	"context"
	"math"
	"time"
)

// retryPolicy bounds retries for transient engine and storage failures.
type retryPolicy struct {
	maxAttempts    int
	initialBackoff time.Duration
	backoffFactor  float64
}

func (p retryPolicy) normalized() retryPolicy {
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.initialBackoff <= 0 {
		p.initialBackoff = 100 * time.Millisecond
	}
	if p.backoffFactor <= 0 {
		p.backoffFactor = 2.0
	}
	return p
}

// retryDo runs fn up to maxAttempts times, sleeping with exponential backoff
// between attempts. retryIf decides whether an error is transient; anything
// else returns immediately.
func retryDo[T any](ctx context.Context, policy retryPolicy, retryIf func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	policy = policy.normalized()

	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryIf != nil && !retryIf(err) {
			return zero, err
		}
		if attempt == policy.maxAttempts {
			break
		}

		backoff := time.Duration(float64(policy.initialBackoff) * math.Pow(policy.backoffFactor, float64(attempt-1)))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
