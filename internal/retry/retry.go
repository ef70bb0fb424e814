// Package retry runs an operation repeatedly under a fixed attempt budget.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Factor multiplies the delay after each failed attempt. 1 keeps it constant.
	Factor float64
	// Wait blocks between attempts. Nil uses a context-aware timer.
	Wait WaitFunc
}

// Linear returns a policy with a constant delay between attempts.
func Linear(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		MaxDelay:    delay,
		Factor:      1.0,
	}
}

// Result describes how a Do call ended.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls op until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is done.
func Do(ctx context.Context, p Policy, op func(attempt int) error) Result {
	start := time.Now()
	var res Result

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Factor <= 0 {
		p.Factor = 1.0
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	wait := p.Wait
	if wait == nil {
		wait = sleep
	}

	delay := p.Delay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		err := op(attempt)
		res.Err = err
		if err == nil || IsPermanent(err) || attempt == p.MaxAttempts {
			break
		}

		if err := wait(ctx, delay); err != nil {
			res.Err = err
			break
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	res.Duration = time.Since(start)
	return res
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
