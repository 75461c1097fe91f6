package generic

import "fmt"

// Result is a finished call's (value, error) pair, in a form that fits in a channel or a closure's return.
type Result[T any] struct {
	Value T
	Error error
}

func NewResult[T any](value T, err error) Result[T] {
	return Result[T]{Value: value, Error: err}
}

func Ok[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

func Err[T any](err error) Result[T] {
	return Result[T]{Error: err}
}

// Parts turns the Result back into an ordinary return pair.
func (r Result[T]) Parts() (T, error) {
	return r.Value, r.Error
}

// Unwrap returns the value, panicking if the Result holds an error.
func (r Result[T]) Unwrap() T {
	if r.Error != nil {
		panic(fmt.Errorf("unwrapped an error result: %w", r.Error))
	}
	return r.Value
}

// Unwrap is for setup calls that only fail on programmer error, e.g. registering built-in providers.
func Unwrap[T any](value T, err error) T {
	return NewResult(value, err).Unwrap()
}

// Unwrap_ is Unwrap for functions that return only an error.
func Unwrap_(err error) {
	NewResult(Void{}, err).Unwrap()
}
