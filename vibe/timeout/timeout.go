// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package timeout wraps fallible operations with the per-kind time budget
// and retry policy from the config registry. It is the single place the
// runtime recovers from transient failures; callers receive a Result
// describing the final outcome and how much work it took.
package timeout

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vibe/vibe/config"
	"github.com/hashicorp/vibe/vibe/structs"
)

// RunFunc is one attempt of the wrapped operation. The context carries
// the per-attempt deadline and must be honored.
type RunFunc func(ctx context.Context) (any, error)

// Result describes the outcome of a Run.
type Result struct {
	Ok       bool
	Value    any
	Err      error
	TimedOut bool
	Retries  int
	Elapsed  time.Duration
}

// Manager runs operations under policy. Safe for concurrent use; all
// state lives in the config registry snapshot read per call.
type Manager struct {
	reg    *config.Registry
	logger hclog.Logger
}

func NewManager(reg *config.Registry, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.L()
	}
	return &Manager{
		reg:    reg,
		logger: logger.Named("timeout"),
	}
}

type options struct {
	timeout *time.Duration
	policy  *structs.RetryPolicy
}

type Option func(*options)

// WithTimeout overrides the registry budget for this call only.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = &d }
}

// WithRetryPolicy overrides the registry retry policy for this call only.
func WithRetryPolicy(p structs.RetryPolicy) Option {
	return func(o *options) { o.policy = &p }
}

// WithoutRetry limits the call to a single attempt.
func WithoutRetry() Option {
	return func(o *options) { o.policy = &structs.RetryPolicy{} }
}

// Run executes fn under the operation's time budget, retrying per policy.
// Each attempt receives a context carrying its own deadline; an attempt
// that outlives it fails with a TimeoutError, which is retryable. Errors
// reporting themselves unrecoverable, and caller cancellation, stop the
// loop immediately.
func (m *Manager) Run(ctx context.Context, op config.Op, fn RunFunc, opts ...Option) *Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	snap := m.reg.Snapshot()
	budget := snap.TimeoutFor(op)
	if o.timeout != nil {
		budget = *o.timeout
	}
	policy := snap.RetryPolicy()
	if o.policy != nil {
		policy = *o.policy
	}

	defer metrics.MeasureSince([]string{"vibe", "timeout", "run", string(op)}, time.Now())

	res := &Result{}
	start := time.Now()
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			res.TimedOut = false
			attemptCtx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()

			v, err := fn(attemptCtx)
			if err == nil {
				res.Value = v
				return nil
			}

			// caller cancellation wins over everything else
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			if attemptCtx.Err() == context.DeadlineExceeded {
				res.TimedOut = true
				metrics.IncrCounter([]string{"vibe", "timeout", "expired", string(op)}, 1)
				return structs.NewTimeoutError(string(op), budget, err)
			}
			if !retryable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaxRetries+1)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			// n is the 0-based index of the failed attempt
			return policy.Delay(int(n) + 1)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Debug("operation failed, will retry",
				"op", op, "attempt", n+1, "error", err)
		}),
	)

	res.Elapsed = time.Since(start)
	res.Retries = attempts - 1
	if res.Retries < 0 {
		res.Retries = 0
	}
	if err != nil {
		res.Err = err
		metrics.IncrCounter([]string{"vibe", "timeout", "failure", string(op)}, 1)
		return res
	}
	res.Ok = true
	return res
}

// Race runs a single attempt under the operation's budget with no
// retries.
func (m *Manager) Race(ctx context.Context, op config.Op, fn RunFunc, opts ...Option) *Result {
	return m.Run(ctx, op, fn, append(opts, WithoutRetry())...)
}

// retryable decides whether a failed attempt may be tried again. Typed
// domain errors answer for themselves; unknown errors are treated as
// transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r structs.Recoverable
	if errors.As(err, &r) {
		return r.IsRecoverable()
	}
	return true
}
