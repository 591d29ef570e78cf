package engine

import "errors"

var (
	ErrClosed     = errors.New("worker pool closed")
	ErrNotStarted = errors.New("worker pool not started")
)
