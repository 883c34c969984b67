// Package retry runs an operation under a bounded, fixed-interval policy.
//
// Every remote wait in the publisher goes through here: artifact uploads,
// build polling, deployment health probes. There is no exponential backoff
// and no jitter; a policy is just an attempt cap and a pause between attempts.
// When the cap is exhausted the last error is returned as-is.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrNotDone is the attempt error recorded by Poll when the condition has not
// been met yet.
var ErrNotDone = errors.New("condition not met")

type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	// Retryable reports whether a failed attempt may be repeated. Nil retries
	// every error except those wrapped with Permanent.
	Retryable func(error) bool
	// OnAttempt is called after every attempt with its 1-based number and
	// outcome. It is how callers narrate progress.
	OnAttempt func(attempt int, err error)
	// Sleep pauses between attempts. Nil waits on a timer and stops early
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a policy with the given cap and interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, fails permanently, fails with an error the
// policy does not retry, or the attempt cap is reached.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, last)
		}
		if last == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(last, &perm) {
			return perm.err
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	return last
}

// Poll calls fn until it reports done. A not-done attempt counts against the
// cap like a failure and is recorded as ErrNotDone unless fn returned an error.
func Poll[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, done, err := fn(ctx)
		if err != nil {
			return err
		}
		if !done {
			return ErrNotDone
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
