package task

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Result is the tagged outcome of a task.
//
// Status is Success, LogicFailure, ExceptionFailure or Skipped. Stack is set
// only for ExceptionFailure results that came from a panic.
type Result struct {
	Status Status
	Err    error
	Stack  string
}

func (r Result) OK() bool { return r.Status == Success || r.Status == Skipped }

// Exception marks err as an exception failure rather than a logic failure.
//
// Tasks return a plain error for "ran but failed" (a nonzero exit) and wrap
// errors that mean "could not run properly" so the scheduler keeps the kinds apart:
//
//	return task.Exception(fmt.Errorf("spawn %s: %w", argv[0], err))
func Exception(err error) error {
	if err == nil {
		return nil
	}
	return exceptionError{err: err}
}

// IsException reports whether err is wrapped with Exception.
func IsException(err error) bool {
	var e exceptionError
	return errors.As(err, &e)
}

type exceptionError struct{ err error }

func (e exceptionError) Error() string { return e.err.Error() }
func (e exceptionError) Unwrap() error { return e.err }

// Classify maps an error returned by Run to a Result.
func Classify(err error) Result {
	if err == nil {
		return Result{Status: Success}
	}
	if IsException(err) {
		return Result{Status: ExceptionFailure, Err: err}
	}
	return Result{Status: LogicFailure, Err: err}
}

// Recovered builds an ExceptionFailure result from a recovered panic value.
func Recovered(r any) Result {
	ge := goerrors.Wrap(r, 2)
	return Result{Status: ExceptionFailure, Err: fmt.Errorf("panic: %v", r), Stack: string(ge.Stack())}
}

// Call runs fn and converts a panic into an ExceptionFailure result.
// A returned error is classified with Classify.
func Call(fn func() error) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Recovered(r)
		}
	}()
	return Classify(fn())
}

// Error is a terminal task failure as reported by the scheduler.
type Error struct {
	ID     string
	Status Status
	Err    error
	Stack  string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task %s: %s", e.ID, e.Status)
	}
	return fmt.Sprintf("task %s: %s: %v", e.ID, e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorFor builds an *Error from a task's current result.
func ErrorFor(t Task) *Error {
	r := t.Result()
	return &Error{ID: t.ID(), Status: r.Status, Err: r.Err, Stack: r.Stack}
}
