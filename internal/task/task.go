package task

import (
	"context"
	"fmt"
)

// Status is the lifecycle state of a task.
type Status int32

const (
	Pending Status = iota
	Ready
	Running
	Success
	LogicFailure
	ExceptionFailure
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Success:
		return "success"
	case LogicFailure:
		return "failed"
	case ExceptionFailure:
		return "exception"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Success || s == LogicFailure || s == ExceptionFailure || s == Skipped
}

// Failed reports whether s is one of the two failure kinds.
func (s Status) Failed() bool {
	return s == LogicFailure || s == ExceptionFailure
}

// Readiness is the answer of a task's readiness check.
type Readiness int

const (
	// Proceed dispatches the task to a worker.
	Proceed Readiness = iota
	// AskLater postpones the task; the scheduler asks again on a later pass.
	AskLater
	// Skip marks the task Skipped without running it.
	Skip
)

func (r Readiness) String() string {
	switch r {
	case Proceed:
		return "proceed"
	case AskLater:
		return "ask_later"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("readiness(%d)", int(r))
	}
}

// Progress is the (index, total) marker assigned when a task is dispatched.
type Progress struct {
	Index int
	Total int
}

func (p Progress) String() string { return fmt.Sprintf("[%d/%d]", p.Index, p.Total) }

// Task is one schedulable unit of build work.
//
// Readiness, Run and PostRun may panic; the scheduler and the workers turn a
// panic into an ExceptionFailure. Embed Base to get the bookkeeping methods.
type Task interface {
	ID() string

	Status() Status
	SetStatus(Status)

	Readiness() (Readiness, error)
	Run(ctx context.Context) error
	PostRun(ctx context.Context) error

	// FollowOn returns tasks discovered while running. It is read by the
	// scheduler only after the task completed.
	FollowOn() []Task

	Progress() Progress
	SetProgress(Progress)

	Result() Result
	SetResult(Result)
}
