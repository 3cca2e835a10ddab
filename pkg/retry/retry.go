// Package retry provides bounded retries with exponential backoff and error classification.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/canonical/concierge/pkg/engine"
)

// Policy describes how an operation is retried.
// Whichever of MaxAttempts or MaxElapsed is reached first ends the retries.
type Policy struct {
	// MaxAttempts is the total number of tries, the first included. Zero means unbounded.
	MaxAttempts uint

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// MaxElapsed bounds the total time spent retrying. Zero keeps the backoff default of 15 minutes.
	MaxElapsed time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultClassifier.
	Retryable func(error) bool

	// OnRetry is called before each wait with the error and the delay.
	OnRetry func(err error, attempt uint, next time.Duration)
}

// DefaultPolicy returns the policy used for package daemon and subprocess calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         10,
		InitialInterval:     time.Second,
		MaxInterval:         60 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxElapsed:          5 * time.Minute,
	}
}

// PollPolicy returns a policy for readiness polling bounded only by elapsed time.
func PollPolicy(timeout time.Duration) Policy {
	return Policy{
		InitialInterval:     2 * time.Second,
		MaxInterval:         15 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.1,
		MaxElapsed:          timeout,
		Retryable:           func(err error) bool { return !IsFatal(err) && !engine.IsFatal(err) },
	}
}

// WithMaxAttempts returns a copy of the policy with a different attempt ceiling.
func (p Policy) WithMaxAttempts(n uint) Policy {
	p.MaxAttempts = n
	return p
}

// WithMaxElapsed returns a copy of the policy with a different time budget.
func (p Policy) WithMaxElapsed(d time.Duration) Policy {
	p.MaxElapsed = d
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, or the budget runs out.
// Non-retryable errors are returned unchanged. A spent budget yields a
// RetryExhausted engine error wrapping the last failure.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultClassifier
	}

	var (
		attempts  uint
		lastErr   error
		permanent bool
	)

	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(p.backOff())}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			p.OnRetry(err, attempts, next)
		}))
	}

	v, err := backoff.Retry(ctx, operation, opts...)
	switch {
	case err == nil:
		return v, nil
	case permanent:
		return v, unwrapFatal(lastErr)
	case lastErr == nil:
		// the context ended before the first attempt
		return v, err
	case ctx.Err() != nil:
		return v, engine.NewRetryExhaustedError(attempts, lastErr).
			WithDetail("cause", ctx.Err().Error())
	default:
		return v, engine.NewRetryExhaustedError(attempts, lastErr)
	}
}

// FatalError marks an error as not worth retrying.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks an error as fatal (non-retryable).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// unwrapFatal strips a top-level Fatal marker so callers see the original error.
func unwrapFatal(err error) error {
	var f *FatalError
	if errors.As(err, &f) && err == error(f) {
		return f.Err
	}
	return err
}

var fatalPatterns = []string{
	"permission denied",
	"not found",
	"snap not available",
	"invalid",
	"not installed",
	"could not open lock file",
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"daemon is busy",
	"daemon busy",
	"change in progress",
	"has \"install-snap\" change in progress",
	"try again",
	"not ready",
	"timed out",
	"temporarily unavailable",
}

// temporary is implemented by errors that know whether they are transient.
type temporary interface {
	Temporary() bool
}

// DefaultClassifier decides retryability from the error class, then from the message.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if _, ok := engine.ClassOf(err); ok {
		return engine.IsRetryable(err)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
