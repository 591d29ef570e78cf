package scheduler

import (
	"sync"

	"buildsched/internal/task"
)

// Batch is a set of tasks whose dependencies are satisfied.
//
// MaxJobs, when positive, caps the number of tasks in flight while this batch
// is being worked on. An empty Tasks slice means the graph is exhausted.
type Batch struct {
	MaxJobs int
	Tasks   []task.Task
}

// Source supplies tasks in dependency order. It is called from the scheduler
// goroutine only.
type Source interface {
	NextBatch() (Batch, error)
	// NotifyFinished is called exactly once per task that reached a terminal
	// status (including tasks the scheduler skipped).
	NotifyFinished(t task.Task)
	Total() int
}

// SliceSource hands out a fixed list of tasks as a single batch.
type SliceSource struct {
	MaxJobs int

	mu       sync.Mutex
	tasks    []task.Task
	served   bool
	finished []task.Task
}

func NewSliceSource(tasks ...task.Task) *SliceSource {
	return &SliceSource{tasks: tasks}
}

func (s *SliceSource) NextBatch() (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return Batch{}, nil
	}
	s.served = true
	return Batch{MaxJobs: s.MaxJobs, Tasks: append([]task.Task(nil), s.tasks...)}, nil
}

func (s *SliceSource) NotifyFinished(t task.Task) {
	s.mu.Lock()
	s.finished = append(s.finished, t)
	s.mu.Unlock()
}

func (s *SliceSource) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Finished returns the notified tasks in notification order.
func (s *SliceSource) Finished() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Task(nil), s.finished...)
}
