package scheduler

import (
	"math/rand"
	"runtime"
	"time"

	"buildsched/internal/eventbus"
	logx "buildsched/pkg/logx"
)

// DefaultGap is the number of tasks allowed in flight above the worker count.
const DefaultGap = 2

// PostponePolicy picks the end of the frozen list a postponed task goes to.
type PostponePolicy int

const (
	// PostponeRandom picks front or back at random.
	PostponeRandom PostponePolicy = iota
	// PostponeRoundRobin alternates back, front, back, ... for reproducible runs.
	PostponeRoundRobin
)

func (p PostponePolicy) String() string {
	if p == PostponeRoundRobin {
		return "round_robin"
	}
	return "random"
}

// ParsePostponePolicy accepts "random" and "round_robin" (empty means random).
func ParsePostponePolicy(s string) (PostponePolicy, bool) {
	switch s {
	case "", "random":
		return PostponeRandom, true
	case "round_robin", "roundrobin", "rr":
		return PostponeRoundRobin, true
	default:
		return PostponeRandom, false
	}
}

type Option func(*Scheduler)

// WithWorkers sets the worker count; values below 1 are raised to 1.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.workers = n
	}
}

func WithKeepGoing(keep bool) Option { return func(s *Scheduler) { s.keepGoing = keep } }

func WithGap(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.gap = n
		}
	}
}

func WithPostponePolicy(p PostponePolicy) Option { return func(s *Scheduler) { s.policy = p } }

// WithRand sets the source used by PostponeRandom.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithDeadlockDetection fails postponed tasks when nothing is running and a
// full pass over the frozen list made no progress.
func WithDeadlockDetection(on bool) Option { return func(s *Scheduler) { s.detectDeadlock = on } }

// WithTaskTimeout bounds each task's Run and PostRun.
func WithTaskTimeout(d time.Duration) Option { return func(s *Scheduler) { s.taskTimeout = d } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}
