package group

import (
	"slices"
	"strings"

	"buildsched/internal/task"
)

// Constraints describe how a task orders against other tasks of its group.
type Constraints struct {
	// Kind names the sort of work ("cc", "link", "gen"); After and Before
	// refer to other kinds.
	Kind   string
	After  []string
	Before []string
	// ExtIn and ExtOut are the file extensions consumed and produced.
	ExtIn  []string
	ExtOut []string
	// MaxJobs caps concurrency while this task's batch runs (JobControl
	// only). Zero means no cap.
	MaxJobs int
}

// Constrained is implemented by tasks that take part in group ordering.
// Other tasks are treated as having zero Constraints.
type Constrained interface {
	Constraints() Constraints
}

// Orderer is implemented by tasks that can wait for an individual task.
// MaxParallel relies on it to turn set ordering into per-task edges.
type Orderer interface {
	RunAfter(t task.Task)
}

func constraintsOf(t task.Task) Constraints {
	if c, ok := t.(Constrained); ok {
		return c.Constraints()
	}
	return Constraints{}
}

// key identifies tasks with equivalent constraints.
func (c Constraints) key() string {
	norm := func(xs []string) string {
		cp := slices.Clone(xs)
		slices.Sort(cp)
		return strings.Join(cp, ",")
	}
	return strings.Join([]string{c.Kind, norm(c.After), norm(c.Before), norm(c.ExtIn), norm(c.ExtOut)}, "|")
}

// compareExts returns -1 when a consumes what b produces (a runs after b),
// 1 for the reverse and 0 when unrelated.
func compareExts(a, b Constraints) int {
	for _, k := range a.ExtIn {
		if slices.Contains(b.ExtOut, k) {
			return -1
		}
	}
	for _, k := range b.ExtIn {
		if slices.Contains(a.ExtOut, k) {
			return 1
		}
	}
	return 0
}

// comparePartial orders by after/before relations on kinds, with the same
// sign convention as compareExts.
func comparePartial(a, b Constraints) int {
	switch {
	case slices.Contains(a.After, b.Kind):
		return -1
	case slices.Contains(a.Before, b.Kind):
		return 1
	case slices.Contains(b.After, a.Kind):
		return 1
	case slices.Contains(b.Before, a.Kind):
		return -1
	}
	return 0
}

func compare(a, b Constraints) int {
	if v := compareExts(a, b); v != 0 {
		return v
	}
	return comparePartial(a, b)
}
