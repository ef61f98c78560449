// Package backoff implements exponential backoff with jitter for the
// runtime's retry paths.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Retry when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff schedule. Attempt n sleeps
// Initial * Factor^(n-1) plus up to Jitter of that, capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultPolicy suits network calls where the far side may be rate
// limiting: 100ms doubling up to 30s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// AggressivePolicy suits local readiness polling: 50ms growing by 1.5x
// up to 5s with 5% jitter.
func AggressivePolicy() Policy {
	return Policy{
		Initial: 50 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  1.5,
		Jitter:  0.05,
	}
}

// Delay returns the sleep before retrying after the given 1-based
// attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*random
	return time.Duration(math.Min(float64(p.Max), withJitter))
}

// Sleep blocks for the policy's delay after the given attempt, or
// returns ctx.Err() if the context ends first.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy
// between failures. The last failure is wrapped under ErrExhausted so
// callers can still inspect it.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			if err := Sleep(ctx, p, attempt); err != nil {
				return zero, err
			}
		}
	}
	return zero, errors.Join(ErrExhausted, lastErr)
}
