package scheduler

import "errors"

var (
	// ErrDeadlock marks postponed tasks that could never become ready.
	ErrDeadlock = errors.New("no task can make progress")
	ErrReused   = errors.New("scheduler already ran")
)
