// Package fault defines the error taxonomy shared by the guard, tool, queue and
// worker layers. Every error that crosses a component boundary carries a Kind so
// callers can decide between surfacing, retrying and dead-lettering.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// GuardDenied is an expected policy refusal. Logged, never alerted.
	GuardDenied Kind = "guard_denied"
	// InvalidInput is a caller error and is surfaced immediately.
	InvalidInput Kind = "invalid_input"
	// TransientInfra covers I/O failures and timeouts; retried until dead.
	TransientInfra Kind = "transient_infra"
	// ExternalProviderError is retried like TransientInfra unless marked permanent.
	ExternalProviderError Kind = "external_provider_error"
	// InvariantViolation is fatal to the current operation only.
	InvariantViolation Kind = "invariant_violation"
)

// Error wraps an underlying cause with a Kind and the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Permanent bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, fault.Sentinel(kind)) match on kind alone.
func (e *Error) Is(target error) bool {
	var k kindSentinel
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// Sentinel returns a comparable error usable with errors.Is for the given kind.
func Sentinel(k Kind) error { return kindSentinel(k) }

// New builds an Error from a message.
func New(k Kind, op, msg string) *Error {
	return &Error{Kind: k, Op: op, Err: errors.New(msg)}
}

// Newf builds an Error from a format string.
func Newf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Permanent marks a provider rejection that must not be retried.
func Permanent(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err, Permanent: true}
}

// KindOf reports the kind carried by err. Context deadline and cancellation
// errors are treated as transient infrastructure failures; anything untyped is
// also assumed transient so it goes through the retry policy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return TransientInfra
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Permanent {
			return true
		}
		return fe.Kind == InvalidInput
	}
	return false
}

// Retryable reports whether err should go back through the retry policy.
func Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	switch KindOf(err) {
	case TransientInfra, ExternalProviderError, InvariantViolation:
		return true
	}
	return false
}

// FromContext converts context errors into TransientInfra faults.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(TransientInfra, op, err)
	}
	return err
}
