package txn

import "errors"

// Outcome is the tagged result of a business callback: success carrying a
// value, or failure carrying the error that forces rollback. A failure
// outcome guarantees no effects were persisted and no cache invalidation ran.
type Outcome[T any] struct {
	value T
	err   error
	ok    bool
}

// Success wraps a value in a success outcome.
func Success[T any](value T) Outcome[T] {
	return Outcome[T]{value: value, ok: true}
}

// Failure wraps an error in a failure outcome. A nil error is normalized so a
// failure outcome always carries a non-nil error.
func Failure[T any](err error) Outcome[T] {
	if err == nil {
		err = errors.New("failure outcome without error")
	}
	return Outcome[T]{err: err}
}

// OK reports whether the outcome is a success.
func (o Outcome[T]) OK() bool { return o.ok }

// Value returns the success value; zero on failure.
func (o Outcome[T]) Value() T { return o.value }

// Err returns the failure error; nil on success. The error keeps its original
// identity so errors.Is and errors.As keep working after unwrapping.
func (o Outcome[T]) Err() error { return o.err }

// Unwrap splits the outcome into the conventional value/error pair.
func (o Outcome[T]) Unwrap() (T, error) { return o.value, o.err }
