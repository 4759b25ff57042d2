// Package backoff computes exponential retry delays with jitter and runs
// retry loops around fallible calls.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff schedule.
//
//	delay(attempt) = min(Initial * Multiplier^attempt, Max) * U(1-Jitter, 1+Jitter)
//
// With the defaults (1s, x2, 30s cap, ±25%) attempts 0..5 wait roughly
// 1s, 2s, 4s, 8s, 16s, 30s before jitter.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	// Rand returns a uniform value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default returns the stream reconnect policy.
func Default() Policy {
	return Policy{
		Initial:    time.Second,
		Multiplier: 2,
		Max:        30 * time.Second,
		Jitter:     0.25,
	}
}

// Base returns the un-jittered delay for a zero-based attempt number.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for a zero-based attempt number.
// The jitter is applied after the cap, so a capped delay may exceed Max by up to Jitter.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if p.Jitter <= 0 {
		return base
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 - p.Jitter + 2*p.Jitter*r()
	return time.Duration(float64(base) * factor)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the context
// ends, or maxRetries retries have been spent (maxRetries+1 calls in total).
// The last error is returned unwrapped.
func Retry(ctx context.Context, p Policy, maxRetries int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= maxRetries {
			return err
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return err
		}
	}
}
