package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
	"buildsched/internal/task/engine"
	logx "buildsched/pkg/logx"
)

const (
	idleBackoffMin = time.Millisecond
	idleBackoffMax = 50 * time.Millisecond
)

// Stats is a point-in-time view of a run.
type Stats struct {
	Processed   int
	Total       int
	Dispatched  int
	Postponed   int
	MaxInFlight int
	Failed      bool
	Stopped     bool
}

// RunEvent is published on the bus when a run starts and finishes.
type RunEvent struct {
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Workers   int           `json:"workers"`
	Failed    bool          `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Scheduler pulls batches from a Source and runs them on a worker pool.
//
// All list and counter fields are owned by the goroutine calling Run. The
// stop and failed flags are atomics because workers flip them through
// errorHandler.
type Scheduler struct {
	src Source

	workers        int
	gap            int
	keepGoing      bool
	policy         PostponePolicy
	rng            *rand.Rand
	detectDeadlock bool
	taskTimeout    time.Duration
	log            logx.Logger
	bus            eventbus.Bus
	throttle       *logx.Throttle

	ran atomic.Bool

	pool        *engine.Pool
	outstanding []task.Task
	frozen      []task.Task
	inFlight    int
	maxJobs     int
	processed   int
	total       int
	dispatched  int
	postponed   int
	maxInFlight int
	flip        bool

	// Progress marker of the last thaw with nothing in flight.
	idleProcessed int
	idleThaws     int

	stop   atomic.Bool
	failed atomic.Bool

	mu    sync.Mutex
	errs  []error
	stats Stats
}

func New(src Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:           src,
		workers:       defaultWorkers(),
		gap:           DefaultGap,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		log:           logx.Nop(),
		throttle:      logx.NewThrottle(1, 5),
		maxJobs:       math.MaxInt,
		idleProcessed: -1,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

// Stop asks a running Run to stop dispatching. Running tasks are drained.
func (s *Scheduler) Stop() { s.stop.Store(true) }

func (s *Scheduler) Stopped() bool { return s.stop.Load() }

// Failed reports whether any task failed so far.
func (s *Scheduler) Failed() bool { return s.failed.Load() }

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run executes the graph until the Source is exhausted or the run stops.
//
// The returned error aggregates a *task.Error per failed task, a Source error
// if one occurred, and ctx.Err() when the run was canceled. Run may be called
// only once per Scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return ErrReused
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.total = s.src.Total()
	s.pool = engine.NewPool(engine.Config{
		Workers:     s.workers,
		QueueSize:   s.workers + s.gap,
		TaskTimeout: s.taskTimeout,
	}, s.errorHandler, func() bool { return s.stopping(ctx) }, s.log, s.bus)

	release := context.AfterFunc(ctx, s.Stop)
	defer release()

	start := time.Now()
	s.log.Info("build started", logx.Int("tasks", s.total), logx.Int("workers", s.workers), logx.Bool("keep_going", s.keepGoing))
	s.publish(eventbus.RunStarted, RunEvent{Total: s.total, Workers: s.workers})

	var srcErr error
	for !s.stopping(ctx) {
		if err := s.refill(ctx); err != nil {
			srcErr = err
			s.stop.Store(true)
			break
		}
		if s.stopping(ctx) {
			break
		}
		t := s.nextReady()
		if t == nil {
			if s.inFlight == 0 {
				break
			}
			continue
		}
		s.handle(ctx, t)
		s.snapshot()
	}

	// Never drop a worker result, even when stopping.
	for s.inFlight > 0 {
		s.drainOne()
	}
	s.pool.Close()
	if ctx.Err() != nil {
		s.stop.Store(true)
	}
	s.snapshot()

	err := s.result(ctx, srcErr)
	dur := time.Since(start)
	ev := RunEvent{Total: s.total, Processed: s.processed, Workers: s.workers, Failed: err != nil, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("build failed", logx.Int("processed", s.processed), logx.Int("tasks", s.total), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.log.Info("build finished", logx.Int("processed", s.processed), logx.Int("tasks", s.total), logx.Duration("dur", dur))
	}
	s.publish(eventbus.RunFinished, ev)
	return err
}

func (s *Scheduler) nextReady() task.Task {
	if len(s.outstanding) == 0 {
		return nil
	}
	t := s.outstanding[0]
	s.outstanding[0] = nil
	s.outstanding = s.outstanding[1:]
	return t
}

func (s *Scheduler) postpone(t task.Task) {
	s.postponed++
	front := false
	switch s.policy {
	case PostponeRoundRobin:
		front = s.flip
		s.flip = !s.flip
	default:
		front = s.rng.Intn(2) == 0
	}
	if front {
		s.frozen = append([]task.Task{t}, s.frozen...)
	} else {
		s.frozen = append(s.frozen, t)
	}
	s.throttle.Log("postpone", s.log.Trace, "task.postponed", logx.String("task", t.ID()), logx.Int("frozen", len(s.frozen)))
	s.publish(eventbus.TaskPostponed, engine.TaskEvent{ID: t.ID(), Status: t.Status().String()})
}

// refill blocks until in-flight work is under both ceilings and then makes
// sure outstanding holds something to look at, pulling a new batch only when
// nothing is running and nothing is postponed.
func (s *Scheduler) refill(ctx context.Context) error {
	for s.inFlight > 0 && (s.inFlight >= s.workers+s.gap || s.inFlight >= s.maxJobs) {
		s.drainOne()
	}

	for len(s.outstanding) == 0 {
		if s.stopping(ctx) {
			return nil
		}
		if s.inFlight > 0 {
			s.drainOne()
		}
		if len(s.frozen) > 0 {
			if s.inFlight == 0 && !s.idleThaw(ctx) {
				continue
			}
			s.outstanding = append(s.outstanding, s.frozen...)
			s.frozen = nil
		} else if s.inFlight == 0 {
			b, err := s.src.NextBatch()
			if err != nil {
				return fmt.Errorf("next batch: %w", err)
			}
			// An unset hint lifts the ceiling rather than keeping the previous
			// batch's; a JobControl limit applies to its own batch only.
			s.maxJobs = math.MaxInt
			if b.MaxJobs > 0 {
				s.maxJobs = b.MaxJobs
			}
			s.outstanding = append(s.outstanding, b.Tasks...)
			if len(b.Tasks) > 0 {
				s.log.Debug("batch", logx.Int("tasks", len(b.Tasks)), logx.Int("max_jobs", b.MaxJobs))
			}
			break
		}
	}
	return nil
}

// idleThaw is called before thawing frozen tasks while nothing runs. Two idle
// thaws in a row without progress mean no frozen task can become ready by
// itself. It returns false when the frozen list was consumed instead.
func (s *Scheduler) idleThaw(ctx context.Context) bool {
	if s.processed != s.idleProcessed {
		s.idleProcessed = s.processed
		s.idleThaws = 1
		return true
	}
	s.idleThaws++
	if s.detectDeadlock {
		s.failDeadlocked()
		return false
	}

	// Waiting on something outside the graph; back off instead of spinning.
	wait := idleBackoffMin << min(s.idleThaws-2, 6)
	if wait > idleBackoffMax {
		wait = idleBackoffMax
	}
	s.throttle.Log("idle", s.log.Debug, "waiting on postponed tasks", logx.Int("frozen", len(s.frozen)))
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-tmr.C:
	}
	return true
}

func (s *Scheduler) failDeadlocked() {
	ids := make([]string, 0, len(s.frozen))
	for _, t := range s.frozen {
		ids = append(ids, t.ID())
	}
	s.log.Error("postponed tasks can never run", logx.Strings("tasks", ids))

	frozen := s.frozen
	s.frozen = nil
	for _, t := range frozen {
		s.processed++
		s.fail(t, task.Result{Status: task.ExceptionFailure, Err: fmt.Errorf("%w: %s is still waiting", ErrDeadlock, t.ID())})
	}
}

// handle decides the fate of one task taken from outstanding.
func (s *Scheduler) handle(ctx context.Context, t task.Task) {
	switch st := t.Status(); {
	case st.Terminal():
		s.processed++
		s.src.NotifyFinished(t)
		return
	case st == task.Ready || st == task.Running:
		// Offered again while in flight; its completion is reported by drainOne.
		return
	}

	var rd task.Readiness
	res := task.Call(func() error {
		var err error
		rd, err = t.Readiness()
		return err
	})
	if res.Status != task.Success {
		res.Status = task.ExceptionFailure
		s.processed++
		s.fail(t, res)
		return
	}

	switch rd {
	case task.AskLater:
		s.postpone(t)
	case task.Skip:
		s.processed++
		t.SetResult(task.Result{Status: task.Skipped})
		t.SetStatus(task.Skipped)
		s.log.Debug("task.skipped", logx.String("task", t.ID()))
		s.publish(eventbus.TaskSkipped, engine.TaskEvent{ID: t.ID(), Status: task.Skipped.String()})
		s.src.NotifyFinished(t)
	default:
		s.dispatch(ctx, t)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t task.Task) {
	s.processed++
	t.SetProgress(task.Progress{Index: s.processed, Total: s.total})
	t.SetStatus(task.Ready)

	if !s.pool.Started() {
		s.pool.Start(ctx)
	}
	if err := s.pool.Submit(t); err != nil {
		s.fail(t, task.Result{Status: task.ExceptionFailure, Err: err})
		return
	}
	s.dispatched++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

// fail finishes a task that never reached a worker.
func (s *Scheduler) fail(t task.Task, res task.Result) {
	t.SetResult(res)
	t.SetStatus(res.Status)
	s.log.Warn("task.failed", logx.String("task", t.ID()), logx.String("status", res.Status.String()), logx.Err(res.Err), logx.Stack(res.Stack))
	s.errorHandler(t)
	ev := engine.TaskEvent{ID: t.ID(), Status: res.Status.String(), Stack: res.Stack}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.publish(eventbus.TaskFailed, ev)
	s.src.NotifyFinished(t)
}

func (s *Scheduler) drainOne() {
	t := <-s.pool.Completions()
	s.inFlight--

	if !t.Status().Terminal() {
		// Bounced by a worker after stop.
		t.SetResult(task.Result{Status: task.Skipped})
		t.SetStatus(task.Skipped)
	}
	s.src.NotifyFinished(t)

	if more := t.FollowOn(); len(more) > 0 {
		s.outstanding = append(s.outstanding, more...)
		s.total += len(more)
		s.log.Debug("follow-on tasks", logx.String("task", t.ID()), logx.Int("added", len(more)), logx.Int("total", s.total))
	}
}

// stopping also looks at ctx directly: the AfterFunc hook setting stop runs
// on its own goroutine and may lag behind the cancellation.
func (s *Scheduler) stopping(ctx context.Context) bool {
	return s.stop.Load() || ctx.Err() != nil
}

// errorHandler records a failed task. Workers call it concurrently.
func (s *Scheduler) errorHandler(t task.Task) {
	s.failed.Store(true)
	if !s.keepGoing {
		s.stop.Store(true)
	}
	s.mu.Lock()
	s.errs = append(s.errs, task.ErrorFor(t))
	s.mu.Unlock()
}

func (s *Scheduler) result(ctx context.Context, srcErr error) error {
	var merr *multierror.Error
	s.mu.Lock()
	for _, e := range s.errs {
		merr = multierror.Append(merr, e)
	}
	s.mu.Unlock()
	if srcErr != nil {
		merr = multierror.Append(merr, srcErr)
	}
	if err := ctx.Err(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

func (s *Scheduler) snapshot() {
	s.mu.Lock()
	s.stats = Stats{
		Processed:   s.processed,
		Total:       s.total,
		Dispatched:  s.dispatched,
		Postponed:   s.postponed,
		MaxInFlight: s.maxInFlight,
		Failed:      s.failed.Load(),
		Stopped:     s.stop.Load(),
	}
	s.mu.Unlock()
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
