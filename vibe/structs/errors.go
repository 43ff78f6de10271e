// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies a domain error. Kinds are stable wire values carried
// on failure events and API error responses.
type ErrKind string

const (
	ErrKindConfig     ErrKind = "config"
	ErrKindValidation ErrKind = "validation"
	ErrKindTimeout    ErrKind = "timeout"
	ErrKindOracle     ErrKind = "oracle"
	ErrKindCycle      ErrKind = "cycle"
	ErrKindDeadlock   ErrKind = "deadlock"
	ErrKindState      ErrKind = "state"
	ErrKindRateLimit  ErrKind = "rate_limit"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrWorkerNotFound  = errors.New("worker not found")
)

// Recoverable is implemented by errors that know whether retrying the
// failed operation may succeed. Errors that do not implement it are
// treated as fatal.
type Recoverable interface {
	error
	IsRecoverable() bool
}

// IsRecoverable returns true if the error, or any error in its chain,
// reports itself recoverable.
func IsRecoverable(err error) bool {
	var r Recoverable
	if errors.As(err, &r) {
		return r.IsRecoverable()
	}
	return false
}

// Kinded is implemented by every typed domain error.
type Kinded interface {
	error
	Kind() ErrKind
}

// KindOf extracts the kind from an error chain. Errors outside the
// domain taxonomy report an empty kind.
func KindOf(err error) ErrKind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// RecoverableError wraps an arbitrary error and marks whether a retry may
// succeed. Used at boundaries where the concrete kind is unknown.
type RecoverableError struct {
	Err         string
	Recoverable bool
	wrapped     error
}

// NewRecoverableError is used to wrap an error and mark it as recoverable
// or not.
func NewRecoverableError(e error, recoverable bool) error {
	if e == nil {
		return nil
	}
	return &RecoverableError{
		Err:         e.Error(),
		Recoverable: recoverable,
		wrapped:     e,
	}
}

// WrapRecoverable wraps an existing error in a new RecoverableError with a
// new message. If the error was recoverable before the returned error is as
// well.
func WrapRecoverable(msg string, err error) error {
	return &RecoverableError{Err: msg, Recoverable: IsRecoverable(err), wrapped: err}
}

func (r *RecoverableError) Error() string       { return r.Err }
func (r *RecoverableError) IsRecoverable() bool { return r.Recoverable }
func (r *RecoverableError) Unwrap() error       { return r.wrapped }

// ConfigError reports a configuration value outside its allowed range or a
// missing required key. Fatal during init, never retried.
type ConfigError struct {
	Key      string
	Value    any
	Expected string
}

func NewConfigError(key string, value any, expected string) *ConfigError {
	return &ConfigError{Key: key, Value: value, Expected: expected}
}

func (e *ConfigError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("invalid config value for %q: %v", e.Key, e.Value)
	}
	return fmt.Sprintf("invalid config value for %q: %v (expected %s)", e.Key, e.Value, e.Expected)
}

func (e *ConfigError) Kind() ErrKind       { return ErrKindConfig }
func (e *ConfigError) IsRecoverable() bool { return false }

func (e *ConfigError) Context() map[string]any {
	return map[string]any{"key": e.Key, "value": e.Value, "expected": e.Expected}
}

// ValidationError reports input that failed a schema or rule check. It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() ErrKind       { return ErrKindValidation }
func (e *ValidationError) IsRecoverable() bool { return false }

func (e *ValidationError) Context() map[string]any {
	return map[string]any{"field": e.Field, "reason": e.Reason}
}

// TimeoutError reports an operation that exceeded its allotted time.
// Retryable unless the caller marked the run non-retryable.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Cause   error
}

func NewTimeoutError(op string, timeout time.Duration, cause error) *TimeoutError {
	return &TimeoutError{Op: op, Timeout: timeout, Cause: cause}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q exceeded timeout of %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Kind() ErrKind       { return ErrKindTimeout }
func (e *TimeoutError) IsRecoverable() bool { return true }
func (e *TimeoutError) Unwrap() error       { return e.Cause }

func (e *TimeoutError) Context() map[string]any {
	return map[string]any{"op": e.Op, "timeout": e.Timeout.String()}
}

// OracleError reports a failed or unparseable upstream model call.
// Retryable with backoff.
type OracleError struct {
	Op    string
	Cause error
}

func NewOracleError(op string, cause error) *OracleError {
	return &OracleError{Op: op, Cause: cause}
}

func (e *OracleError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("oracle %s failed", e.Op)
	}
	return fmt.Sprintf("oracle %s failed: %v", e.Op, e.Cause)
}

func (e *OracleError) Kind() ErrKind       { return ErrKindOracle }
func (e *OracleError) IsRecoverable() bool { return true }
func (e *OracleError) Unwrap() error       { return e.Cause }

func (e *OracleError) Context() map[string]any {
	return map[string]any{"op": e.Op}
}

// CycleError reports a dependency edge that would close a cycle. The edge
// is not retained; only the offending branch of decomposition aborts.
type CycleError struct {
	From string
	To   string
	Node string
}

func NewCycleError(from, to, node string) *CycleError {
	return &CycleError{From: from, To: to, Node: node}
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge %s -> %s would close a cycle at %s", e.From, e.To, e.Node)
}

func (e *CycleError) Kind() ErrKind       { return ErrKindCycle }
func (e *CycleError) IsRecoverable() bool { return false }

func (e *CycleError) Context() map[string]any {
	return map[string]any{"from": e.From, "to": e.To, "node": e.Node}
}

// DeadlockError reports an empty ready-set while unfinished tasks remain,
// which indicates an earlier invariant violation. Flags the session failed.
type DeadlockError struct {
	Remaining []string
}

func NewDeadlockError(remaining []string) *DeadlockError {
	return &DeadlockError{Remaining: remaining}
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("no ready tasks but %d tasks remain unfinished", len(e.Remaining))
}

func (e *DeadlockError) Kind() ErrKind       { return ErrKindDeadlock }
func (e *DeadlockError) IsRecoverable() bool { return false }

func (e *DeadlockError) Context() map[string]any {
	return map[string]any{"remaining": e.Remaining}
}

// StateError reports an illegal status transition. Non-retryable bug
// indicator.
type StateError struct {
	ID   string
	From string
	To   string
}

func NewStateError(id, from, to string) *StateError {
	return &StateError{ID: id, From: from, To: to}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s", e.From, e.To, e.ID)
}

func (e *StateError) Kind() ErrKind       { return ErrKindState }
func (e *StateError) IsRecoverable() bool { return false }

func (e *StateError) Context() map[string]any {
	return map[string]any{"id": e.ID, "from": e.From, "to": e.To}
}

// RateLimitError reports a denied request. Retryable once the window
// resets.
type RateLimitError struct {
	Family  string
	Key     string
	ResetAt time.Time
}

func NewRateLimitError(family, key string, resetAt time.Time) *RateLimitError {
	return &RateLimitError{Family: family, Key: key, ResetAt: resetAt}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded for %s", e.Family, e.Key)
}

func (e *RateLimitError) Kind() ErrKind       { return ErrKindRateLimit }
func (e *RateLimitError) IsRecoverable() bool { return true }

// RetryAfter returns the duration until the limiter window resets, rounded
// up to a whole second and never negative.
func (e *RateLimitError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d <= 0 {
		return 0
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

func (e *RateLimitError) Context() map[string]any {
	return map[string]any{"family": e.Family, "key": e.Key, "reset_at": e.ResetAt}
}
