package group

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"buildsched/internal/task"
)

// Group is one stage of the build. A Group is not safe for concurrent use;
// the Manager serializes access.
type Group struct {
	Name string

	tasks []task.Task
	post  []func() error

	prepared bool
	keys     []string               // constraint sets still to hand out, insertion order
	sets     map[string][]task.Task // constraint key -> tasks
	order    map[string]map[string]struct{}
	held     []task.Task // JobControl: ready tasks not handed out yet
	done     bool        // MaxParallel: everything handed out
}

func newGroup(name string) *Group {
	return &Group{Name: name}
}

// Add appends tasks to the group. Adding after the group was started has no
// effect on the current run.
func (g *Group) Add(ts ...task.Task) { g.tasks = append(g.tasks, ts...) }

// OnDone registers fn to run once every task of the group finished.
func (g *Group) OnDone(fn func() error) {
	if fn != nil {
		g.post = append(g.post, fn)
	}
}

func (g *Group) Tasks() []task.Task { return slices.Clone(g.tasks) }

func (g *Group) Len() int { return len(g.tasks) }

func (g *Group) prepare() {
	g.prepared = true
	g.sets = map[string][]task.Task{}
	g.order = map[string]map[string]struct{}{}
	g.keys = g.keys[:0]
	cstr := map[string]Constraints{}
	for _, t := range g.tasks {
		c := constraintsOf(t)
		k := c.key()
		if _, ok := g.sets[k]; !ok {
			g.keys = append(g.keys, k)
			cstr[k] = c
		}
		g.sets[k] = append(g.sets[k], t)
	}

	// Pairwise over set representatives; the number of distinct sets is small.
	for i := 0; i < len(g.keys); i++ {
		for j := i + 1; j < len(g.keys); j++ {
			a, b := g.keys[i], g.keys[j]
			switch v := compare(cstr[a], cstr[b]); {
			case v > 0:
				g.setOrder(a, b)
			case v < 0:
				g.setOrder(b, a)
			}
		}
	}
}

// setOrder records that set b runs after set a.
func (g *Group) setOrder(a, b string) {
	succ := g.order[a]
	if succ == nil {
		succ = map[string]struct{}{}
		g.order[a] = succ
	}
	succ[b] = struct{}{}
}

func (g *Group) hasPredecessor(k string) bool {
	for _, succ := range g.order {
		if _, ok := succ[k]; ok {
			return true
		}
	}
	return false
}

// inParallel hands out every constraint set with no pending predecessor.
func (g *Group) inParallel() ([]task.Task, error) {
	if !g.prepared {
		g.prepare()
	}
	var ready, remainder []string
	for _, k := range g.keys {
		if g.hasPredecessor(k) {
			remainder = append(remainder, k)
		} else {
			ready = append(ready, k)
		}
	}

	var out []task.Task
	for _, k := range ready {
		out = append(out, g.sets[k]...)
	}
	// Drop only after collecting so sets released together stay together.
	for _, k := range ready {
		delete(g.order, k)
		delete(g.sets, k)
	}
	g.keys = remainder

	if len(out) == 0 && len(remainder) > 0 {
		return nil, fmt.Errorf("%w in group %q between %s", ErrCircularConstraint, g.Name, describe(remainder))
	}
	return out, nil
}

// byMaxJobs hands out the ready tasks sharing the smallest MaxJobs.
func (g *Group) byMaxJobs() (int, []task.Task, error) {
	if len(g.held) == 0 {
		ts, err := g.inParallel()
		if err != nil {
			return 0, nil, err
		}
		g.held = ts
	}
	if len(g.held) == 0 {
		return 0, nil, nil
	}

	maxJobs := math.MaxInt
	var ret, remaining []task.Task
	for _, t := range g.held {
		m := constraintsOf(t).MaxJobs
		if m <= 0 {
			m = math.MaxInt
		}
		switch {
		case m > maxJobs:
			remaining = append(remaining, t)
		case m < maxJobs:
			remaining = append(remaining, ret...)
			ret = []task.Task{t}
			maxJobs = m
		default:
			ret = append(ret, t)
		}
	}
	g.held = remaining
	if maxJobs == math.MaxInt {
		maxJobs = 0
	}
	return maxJobs, ret, nil
}

// withInnerConstraints hands out the whole group once, after wiring set
// order into run-after edges between individual tasks.
func (g *Group) withInnerConstraints() []task.Task {
	if !g.prepared {
		g.prepare()
	}
	if g.done {
		return nil
	}
	for p, succ := range g.order {
		for v := range succ {
			for _, m := range g.sets[p] {
				for _, n := range g.sets[v] {
					if o, ok := n.(Orderer); ok {
						o.RunAfter(m)
					}
				}
			}
		}
	}
	g.order = map[string]map[string]struct{}{}
	g.sets = map[string][]task.Task{}
	g.keys = nil
	g.done = true
	return slices.Clone(g.tasks)
}

// next returns the next batch of this group; an empty slice means the group
// is exhausted.
func (g *Group) next(alg Algorithm) (int, []task.Task, error) {
	switch alg {
	case Normal:
		ts, err := g.inParallel()
		return 0, ts, err
	case JobControl:
		return g.byMaxJobs()
	case MaxParallel:
		return 0, g.withInnerConstraints(), nil
	default:
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
}

func (g *Group) finish() error {
	for _, fn := range g.post {
		if err := fn(); err != nil {
			return fmt.Errorf("group %q: post: %w", g.Name, err)
		}
	}
	return nil
}

// plan cuts a copy of the group into batches without touching task state.
func (g *Group) plan(alg Algorithm) ([]Batch, error) {
	if alg == MaxParallel {
		// Show the ordering levels; the real run hands everything out at once.
		alg = Normal
	}
	cp := newGroup(g.Name)
	cp.tasks = g.tasks
	var out []Batch
	for {
		mj, ts, err := cp.next(alg)
		if err != nil {
			return out, err
		}
		if len(ts) == 0 {
			return out, nil
		}
		out = append(out, Batch{Group: g.Name, MaxJobs: mj, Tasks: ts})
	}
}

func describe(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		kind, _, _ := strings.Cut(k, "|")
		if kind == "" {
			kind = "(no kind)"
		}
		parts = append(parts, kind)
	}
	return strings.Join(parts, ", ")
}
