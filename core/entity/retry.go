package entity

import "time"

// RetryPolicy yields the delay to wait before retry attempt n (0-based).
// Policies are stateless so concurrent recoveries can share one value.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// BackoffPolicy grows exponentially from Base up to Ceiling, then keeps
// retrying with fixed Spacing. Attempts are unbounded; crash-loop
// recovery retries until the entity is torn down.
type BackoffPolicy struct {
	Base    time.Duration
	Ceiling time.Duration
	Spacing time.Duration
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Spacing
		}
	}
	if d > p.Ceiling {
		return p.Spacing
	}
	return d
}

// FixedPolicy waits the same delay between every attempt.
type FixedPolicy struct {
	Interval time.Duration
}

func (p FixedPolicy) Delay(int) time.Duration { return p.Interval }

// DefaultDefectRetry is the policy applied before rebuilding a crashed
// handler: exponential from 200ms up to 5s, then spaced at 5s.
func DefaultDefectRetry() RetryPolicy {
	return BackoffPolicy{
		Base:    200 * time.Millisecond,
		Ceiling: 5 * time.Second,
		Spacing: 5 * time.Second,
	}
}
