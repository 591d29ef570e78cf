package engine

import (
	"time"
)

// Config controls the worker pool.
//
// QueueSize bounds both the ready and the completion queue. The scheduler
// sizes it as workers+gap, which its backpressure guarantees is never exceeded.
type Config struct {
	Workers   int
	QueueSize int

	// TaskTimeout bounds a single Run+PostRun; 0 disables the limit.
	TaskTimeout time.Duration

	HistorySize int
}

type HistoryItem struct {
	ID       string
	Status   string
	Worker   int
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Index    int           `json:"index"`
	Total    int           `json:"total"`
	Worker   int           `json:"worker"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// Stack is only set for exception failures caused by a panic.
	Stack string `json:"stack,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int

	Running    int
	MaxRunning int
	Executed   uint64
	Bounced    uint64

	History []HistoryItem
}
