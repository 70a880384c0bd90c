package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Jboner-Corvus/hypergate/errs"
)

// RetryConfig tunes the retry manager. The delay before attempt n (n >= 2)
// is min(BaseDelay * Multiplier^(n-2), MaxDelay), randomized by up to ±10%
// so that independent processes do not retry in lockstep.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// jitterFactor is the symmetric randomization applied to every delay.
const jitterFactor = 0.1

// Attempt describes one retry-loop iteration. Ephemeral: it exists only for
// the observer callback and is never persisted.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
}

// Retryer re-executes idempotent operations on retryable failures.
//
// Callers must only wrap idempotent operations: read-only queries, or
// mutations made idempotent by a client-supplied order id or nonce. The
// type system cannot enforce this; wrapping a bare non-idempotent mutation
// risks duplicate execution on a timeout whose request actually landed.
type Retryer struct {
	cfg       RetryConfig
	retryable func(error) bool
	onAttempt func(Attempt)
}

// RetryOption configures a Retryer.
type RetryOption func(*Retryer)

// WithClassifier overrides the retryable-error predicate. The default is
// errs.IsRetryable, under which non-retryable classification always wins.
func WithClassifier(f func(error) bool) RetryOption {
	return func(r *Retryer) {
		if f != nil {
			r.retryable = f
		}
	}
}

// WithAttemptObserver registers a callback invoked after every failed
// attempt, for logging and metrics at the call boundary.
func WithAttemptObserver(f func(Attempt)) RetryOption {
	return func(r *Retryer) { r.onAttempt = f }
}

// NewRetryer creates a retry manager with the given configuration.
func NewRetryer(cfg RetryConfig, opts ...RetryOption) *Retryer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	r := &Retryer{cfg: cfg, retryable: errs.IsRetryable}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute runs op, retrying retryable failures up to MaxAttempts total
// invocations. Cancellation is honored between attempts, never mid-call:
// the in-flight attempt finishes, then the loop stops with a cancelled
// error instead of scheduling further attempts.
func (r *Retryer) Execute(ctx context.Context, op func(context.Context) error) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.BaseDelay,
		RandomizationFactor: jitterFactor,
		Multiplier:          r.cfg.Multiplier,
		MaxInterval:         r.cfg.MaxDelay,
	}
	bo.Reset()

	start := time.Now()
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.New("", errs.CodeCancelled,
				errs.WithAttempts(attempts), errs.WithCause(err))
		}

		attempts = attempt
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) || attempt == r.cfg.MaxAttempts {
			if r.onAttempt != nil {
				r.onAttempt(Attempt{Number: attempt, Err: lastErr})
			}
			break
		}

		delay := bo.NextBackOff()
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
		if r.onAttempt != nil {
			r.onAttempt(Attempt{Number: attempt, Delay: delay, Err: lastErr})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.New("", errs.CodeCancelled,
				errs.WithAttempts(attempts), errs.WithCause(ctx.Err()))
		case <-timer.C:
		}
	}

	return annotate(lastErr, attempts, time.Since(start))
}

// RetryDo is Execute for operations that return a value.
func RetryDo[T any](ctx context.Context, r *Retryer, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// annotate re-raises the final error with attempt count and elapsed time.
func annotate(err error, attempts int, elapsed time.Duration) error {
	if err == nil {
		return nil
	}
	code := errs.CodeOf(err)
	if code == "" {
		code = errs.CodeNetwork
	}
	return errs.New("", code,
		errs.WithAttempts(attempts),
		errs.WithMessage(fmt.Sprintf("gave up after %s", elapsed.Round(time.Millisecond))),
		errs.WithCause(err))
}
