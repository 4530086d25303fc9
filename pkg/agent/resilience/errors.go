// Package resilience defines the failure taxonomy shared by the breaker, limiter,
// timeout guard, strategies and transports.
//
// Every typed error produced by those components reports itself as one of the
// sentinels below through an Is method, so callers classify with errors.Is or
// Classify and never depend on concrete error types.
package resilience

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected indicates the rate limiter refused the request.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnitFailure indicates an execution unit failed on its own terms.
	ErrUnitFailure = errors.New("unit failure")
)

// Kind is the coarse failure category of an error.
type Kind int

const (
	KindNone Kind = iota
	KindAdmissionRejected
	KindCircuitOpen
	KindTimeout
	KindUnitFailure
	KindCanceled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAdmissionRejected:
		return "admission_rejected"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindUnitFailure:
		return "unit_failure"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Classify maps err onto the taxonomy. Admission, circuit and timeout take
// precedence over unit failure so that a unit error caused by an open breaker
// or an expired deadline keeps its more specific category.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAdmissionRejected):
		return KindAdmissionRejected
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnitFailure):
		return KindUnitFailure
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// UserMessage returns a description of err that is safe to show to end users.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNone:
		return ""
	case KindAdmissionRejected:
		return "Rate limit exceeded. Please retry later."
	case KindCircuitOpen:
		return "Service temporarily unavailable. Please try again later."
	case KindTimeout:
		return "The request timed out."
	case KindUnitFailure:
		return "The request could not be completed."
	case KindCanceled:
		return "The request was cancelled."
	default:
		return "An internal error occurred."
	}
}

// UnitError records the failure of a named execution unit.
type UnitError struct {
	Unit string
	Err  error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unit %s failed", e.Unit)
	}
	return fmt.Sprintf("unit %s failed: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Is reports UnitError as ErrUnitFailure.
func (e *UnitError) Is(target error) bool { return target == ErrUnitFailure }

// NewUnitError wraps err as a failure of unit. A nil err still yields a
// non-nil error.
func NewUnitError(unit string, err error) error {
	return &UnitError{Unit: unit, Err: err}
}
