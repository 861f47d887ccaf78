// Package retry runs a single upstream call under a bounded exponential
// backoff policy.
//
// The loop itself is cenkalti/backoff's; this package supplies a BackOff
// that reproduces Policy.Delay exactly (no jitter, no elapsed-time cap) and
// decides which errors are worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Policy bounds the number of calls and the delay between them.
type Policy struct {
	// MaxAttempts is the total number of calls, first try included.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy is 3 attempts, waiting 1s then 2s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry: base delay must be >= 0, got %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// Delay returns the wait before attempt i (0-indexed): zero for the first
// attempt, BaseDelay*Multiplier^i afterwards.
func (p Policy) Delay(i int) time.Duration {
	if i <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(i))
	if d >= math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// policyBackOff implements backoff.BackOff on top of Policy. NextBackOff is
// called after each failed attempt.
type policyBackOff struct {
	policy Policy
	next   int
}

func (b *policyBackOff) Reset() { b.next = 1 }

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.next >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	d := b.policy.Delay(b.next)
	b.next++
	return d
}

// Executor is safe for concurrent use; each Do builds its own backoff state.
type Executor struct {
	policy         Policy
	attemptTimeout time.Duration
	newTimer       func() backoff.Timer
	retryable      func(error) bool
	logger         *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithAttemptTimeout bounds every individual call. Zero disables it.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithTimer swaps the wall-clock timer used between attempts. Tests pass a
// fake that fires immediately and records the requested delays.
func WithTimer(fn func() backoff.Timer) Option {
	return func(e *Executor) { e.newTimer = fn }
}

// WithClassifier overrides which errors are retried.
// Default: providers.IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) { e.retryable = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an Executor. It panics on an invalid policy; config.Load
// validates user input before this point.
func New(p Policy, opts ...Option) *Executor {
	if err := p.Validate(); err != nil {
		panic(err)
	}
	e := &Executor{
		policy:         p,
		attemptTimeout: providers.ProviderTimeout,
		retryable:      providers.IsRetryable,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out. attempts is the number of calls made. On exhaustion the
// last error is returned unchanged so callers can still match
// providers.ErrRateLimited.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context, attempt int) (T, error)) (res T, attempts int, err error) {
	var lastErr error

	op := func() (T, error) {
		attempt := attempts
		attempts++

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if e.attemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		}
		defer cancel()

		v, callErr := fn(callCtx, attempt)
		if callErr == nil {
			return v, nil
		}
		lastErr = callErr
		if ctx.Err() != nil || !e.retryable(callErr) {
			return v, backoff.Permanent(callErr)
		}
		return v, callErr
	}

	notify := func(err error, d time.Duration) {
		e.logger.Warn("upstream_retry",
			"provider", providers.Classify("", err).Provider,
			"attempt", attempts,
			"max_attempts", e.policy.MaxAttempts,
			"delay", d.String(),
			"error", err.Error(),
		)
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	b := backoff.WithContext(&policyBackOff{policy: e.policy}, ctx)
	res, err = backoff.RetryNotifyWithTimerAndData(op, b, notify, timer)
	var pe *providers.Error
	if err != nil && !errors.As(err, &pe) && ctx.Err() != nil {
		// The backoff wait was cut short by the caller. Report the
		// cancellation, keeping the last upstream failure as the cause.
		provider := ""
		if lastErr != nil {
			provider = providers.Classify("", lastErr).Provider
		}
		return res, attempts, providers.FromContext(ctx, provider, lastErr)
	}
	return res, attempts, err
}
