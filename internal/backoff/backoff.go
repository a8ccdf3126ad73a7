// Package backoff computes retry delays for the outbox relay.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// EqualJitter returns a duration in [delay/2, delay].
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(delay-half)+1))
}

// Policy is a capped exponential backoff with equal jitter.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter disables randomization when false. Tests rely on that.
	Jitter bool
}

// Delay returns the wait before the next try after the given number of failed attempts.
// The first failure (attempts == 1) waits about Base.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := Exponential(p.Base, attempts-1)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.Jitter {
		delay = EqualJitter(delay)
	}
	return delay
}

// SleepWithContext waits for d or until ctx is done, whichever is first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
