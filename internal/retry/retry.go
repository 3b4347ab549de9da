// Package retry runs calls to upstream services with capped exponential
// backoff. Callers mark errors that must not be retried with Permanent and
// pass upstream back-pressure hints with After.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how slowly a call is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy suits interactive requests: three attempts within about a second.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After marks err as retryable no sooner than wait, as an upstream asks
// with Retry-After. The wait is still capped by the policy's MaxDelay.
func After(wait time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, wait: wait}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// spent or ctx is done. The error of the last attempt is returned.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt >= attempts {
			return err
		}

		wait := jitter(delay)
		var ae *afterError
		if errors.As(err, &ae) && ae.wait > wait {
			wait = ae.wait
		}
		if p.MaxDelay > 0 {
			wait = min(wait, p.MaxDelay)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// jitter spreads d over [0.75d, 1.25d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	if spread == 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
