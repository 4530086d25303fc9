// Package timeout bounds the wall-clock duration of calls.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/agent/resilience"
)

// Error is returned when an operation exceeds its deadline.
type Error struct {
	Operation string
	Timeout   time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Timeout)
}

// Is reports Error as resilience.ErrTimeout.
func (e *Error) Is(target error) bool { return target == resilience.ErrTimeout }

type outcome[T any] struct {
	val T
	err error
}

// Bound runs fn under a deadline of d. On expiry fn's context is cancelled and
// Bound returns *Error at once, without waiting for fn to return. A result that
// arrives after the deadline is discarded. A non-positive d disables the bound.
// If the parent context ends first, its error is returned unchanged.
func Bound[T any](ctx context.Context, operation string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	bounded, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(bounded)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if expired(ctx, bounded) {
			return zero, &Error{Operation: operation, Timeout: d}
		}
		return res.val, res.err
	case <-bounded.Done():
		if err := ctx.Err(); err != nil {
			return zero, err //nolint:wrapcheck // parent cancellation passes through
		}
		return zero, &Error{Operation: operation, Timeout: d}
	}
}

// Run is Bound for operations without a value.
func Run(ctx context.Context, operation string, d time.Duration, fn func(context.Context) error) error {
	_, err := Bound(ctx, operation, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// expired reports whether bounded hit its own deadline while parent is still live.
func expired(parent, bounded context.Context) bool {
	return parent.Err() == nil && errors.Is(bounded.Err(), context.DeadlineExceeded)
}
