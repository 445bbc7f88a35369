// Package retry runs operations with bounded, jittered retries.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onkernel/sharedblock/lib/backend"
)

// Class is the retry classification of an error.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Transient errors are retried.
	Transient
	// NotFound errors are retried while discovering, and surfaced typed once attempts run out.
	NotFound
)

// ErrTransient marks an error as worth retrying.
var ErrTransient = errors.New("transient")

// Classify maps an error onto a retry class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, backend.ErrNotFound):
		return NotFound
	case errors.Is(err, ErrTransient):
		return Transient
	default:
		return Fatal
	}
}

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries. Zero means unlimited, bounded only by ctx.
	Attempts uint
	// Backoff yields the sleep between attempts. Defaults to Jitter(100ms, 3s).
	Backoff backoff.BackOff
	// Retryable decides whether an error is retried. Defaults to NotFound or Transient classes.
	Retryable func(error) bool
	// Notify is called before each sleep.
	Notify func(err error, next time.Duration)
}

// Default is the discovery policy: five attempts with 100ms-3s jitter.
func Default() Policy {
	return Policy{Attempts: 5, Backoff: Jitter(100*time.Millisecond, 3*time.Second)}
}

// Immediate retries without sleeping; used by tests.
func Immediate(attempts uint) Policy {
	return Policy{Attempts: attempts, Backoff: &backoff.ZeroBackOff{}}
}

// MarkTransient wraps err so Classify reports it as Transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts are used up, or ctx ends. The last error is returned as is.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(err error) bool {
			c := Classify(err)
			return c == NotFound || c == Transient
		}
	}
	bo := p.Backoff
	if bo == nil {
		bo = Jitter(100*time.Millisecond, 3*time.Second)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Attempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.Attempts))
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// jitter sleeps a uniformly random duration in [min, max).
type jitter struct {
	min, max time.Duration
}

// Jitter returns a backoff yielding uniformly random delays in [min, max).
func Jitter(min, max time.Duration) backoff.BackOff {
	return &jitter{min: min, max: max}
}

func (j *jitter) NextBackOff() time.Duration {
	if j.max <= j.min {
		return j.min
	}
	return j.min + rand.N(j.max-j.min)
}

func (j *jitter) Reset() {}
