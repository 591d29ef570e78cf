package group

import (
	"fmt"
	"sync"

	"buildsched/internal/task"
	"buildsched/internal/task/scheduler"
	logx "buildsched/pkg/logx"
)

// Batch is one planned step of a group, as reported by Plan.
type Batch struct {
	Group   string
	MaxJobs int
	Tasks   []task.Task
}

// Manager holds the ordered groups of a build and implements
// scheduler.Source.
type Manager struct {
	mu         sync.Mutex
	alg        Algorithm
	log        logx.Logger
	groups     []*Group
	byName     map[string]*Group
	current    int
	finished   []task.Task
	seen       map[task.Task]struct{}
	onFinished func(task.Task)
}

var _ scheduler.Source = (*Manager)(nil)

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithOnFinished registers a hook called once per finished task.
func WithOnFinished(fn func(task.Task)) Option { return func(m *Manager) { m.onFinished = fn } }

func NewManager(alg Algorithm, opts ...Option) *Manager {
	m := &Manager{
		alg:    alg,
		log:    logx.Nop(),
		byName: map[string]*Group{},
		seen:   map[task.Task]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "group"))
	return m
}

func (m *Manager) Algorithm() Algorithm { return m.alg }

// AddGroup appends a new group. Names must be unique; an empty name gets a
// positional one.
func (m *Manager) AddGroup(name string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("group%d", len(m.groups))
	}
	if _, ok := m.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateGroup, name)
	}
	g := newGroup(name)
	m.groups = append(m.groups, g)
	m.byName[name] = g
	return g, nil
}

func (m *Manager) Group(name string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name]
}

func (m *Manager) Groups() []*Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Group(nil), m.groups...)
}

// AddTask adds t to the last group, creating a default group when needed.
func (m *Manager) AddTask(t task.Task) {
	m.mu.Lock()
	if len(m.groups) == 0 {
		g := newGroup("default")
		m.groups = append(m.groups, g)
		m.byName[g.Name] = g
	}
	g := m.groups[len(m.groups)-1]
	m.mu.Unlock()
	g.Add(t)
}

// NextBatch returns the next batch of the current group, moving on to the
// following group (after running the finished group's OnDone hooks) when the
// current one is exhausted.
func (m *Manager) NextBatch() (scheduler.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.current < len(m.groups) {
		g := m.groups[m.current]
		maxJobs, ts, err := g.next(m.alg)
		if err != nil {
			return scheduler.Batch{}, err
		}
		if len(ts) > 0 {
			m.log.Debug("batch ready", logx.String("group", g.Name), logx.Int("tasks", len(ts)), logx.Int("max_jobs", maxJobs))
			return scheduler.Batch{MaxJobs: maxJobs, Tasks: ts}, nil
		}
		if err := g.finish(); err != nil {
			return scheduler.Batch{}, err
		}
		m.log.Debug("group done", logx.String("group", g.Name))
		m.current++
	}
	return scheduler.Batch{}, nil
}

// NotifyFinished records t. Repeated notifications for the same task are
// ignored.
func (m *Manager) NotifyFinished(t task.Task) {
	m.mu.Lock()
	if _, dup := m.seen[t]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[t] = struct{}{}
	m.finished = append(m.finished, t)
	hook := m.onFinished
	m.mu.Unlock()
	if hook != nil {
		hook(t)
	}
}

func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.groups {
		n += g.Len()
	}
	return n
}

// Finished returns the finished tasks in notification order.
func (m *Manager) Finished() []task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Task(nil), m.finished...)
}

// Plan lists the batches each group would produce, without running anything.
func (m *Manager) Plan() ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, g := range m.groups {
		bs, err := g.plan(m.alg)
		out = append(out, bs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
