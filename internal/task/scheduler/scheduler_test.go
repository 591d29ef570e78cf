package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
)

// gauge tracks how many task bodies run at once.
type gauge struct {
	cur, max atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func sleepTask(id string, g *gauge, d time.Duration) *task.Func {
	return task.NewFunc(id, func(ctx context.Context) error {
		g.enter()
		defer g.leave()
		time.Sleep(d)
		return nil
	})
}

func runWithTimeout(t *testing.T, s *Scheduler) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("scheduler did not finish")
		return nil
	}
}

func TestIndependentTasksRespectCeiling(t *testing.T) {
	const n, workers = 40, 3
	var g gauge
	tasks := make([]task.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, sleepTask(fmt.Sprintf("t%02d", i), &g, time.Millisecond))
	}
	src := NewSliceSource(tasks...)
	s := New(src, WithWorkers(workers))

	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, tk := range tasks {
		if tk.Status() != task.Success {
			t.Fatalf("%s: status %s", tk.ID(), tk.Status())
		}
	}
	st := s.Stats()
	if st.Processed != n || st.Dispatched != n {
		t.Fatalf("stats = %+v", st)
	}
	if st.MaxInFlight > workers+DefaultGap {
		t.Fatalf("max in flight %d > %d", st.MaxInFlight, workers+DefaultGap)
	}
	if int(g.max.Load()) > workers {
		t.Fatalf("max running %d > %d workers", g.max.Load(), workers)
	}
	if got := len(src.Finished()); got != n {
		t.Fatalf("finished notifications = %d, want %d", got, n)
	}
}

func TestFiveTasksTwoWorkers(t *testing.T) {
	var g gauge
	tasks := make([]task.Task, 0, 5)
	for i := 0; i < 5; i++ {
		tasks = append(tasks, sleepTask(fmt.Sprintf("a%d", i), &g, 5*time.Millisecond))
	}
	s := New(NewSliceSource(tasks...), WithWorkers(2))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.max.Load() > 2 {
		t.Fatalf("max running = %d", g.max.Load())
	}
	for _, tk := range tasks {
		if tk.Status() != task.Success {
			t.Fatalf("%s: status %s", tk.ID(), tk.Status())
		}
	}
	if p := s.Stats().Processed; p != 5 {
		t.Fatalf("processed = %d, want 5", p)
	}
}

func TestFollowOnTasksGrowTotal(t *testing.T) {
	var kids []task.Task
	x := task.NewFunc("x", func(ctx context.Context) error { return nil })
	x.SpawnFn = func() []task.Task {
		kids = []task.Task{
			task.NewFunc("x.1", func(ctx context.Context) error { return nil }),
			task.NewFunc("x.2", func(ctx context.Context) error { return nil }),
		}
		return kids
	}
	src := NewSliceSource(x)
	s := New(src, WithWorkers(2))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if total := s.Stats().Total; total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	for _, tk := range append([]task.Task{x}, kids...) {
		if !tk.Status().Terminal() {
			t.Fatalf("%s not terminal: %s", tk.ID(), tk.Status())
		}
	}
	if got := len(src.Finished()); got != 3 {
		t.Fatalf("finished = %d, want 3", got)
	}
	if p := kids[1].Progress(); p.Total != 3 {
		t.Fatalf("follow-on progress = %v", p)
	}
}

func TestPanicStopsRun(t *testing.T) {
	var ran atomic.Int32
	y := task.NewFunc("y", func(ctx context.Context) error { panic("compiler exploded") })
	others := []task.Task{}
	for i := 0; i < 4; i++ {
		others = append(others, task.NewFunc(fmt.Sprintf("later%d", i), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	src := NewSliceSource(append([]task.Task{y}, others...)...)
	s := New(src, WithWorkers(1))

	err := runWithTimeout(t, s)
	if err == nil {
		t.Fatalf("expected error")
	}
	var te *task.Error
	if !errors.As(err, &te) || te.ID != "y" || te.Status != task.ExceptionFailure {
		t.Fatalf("unexpected error: %v", err)
	}
	if y.Status() != task.ExceptionFailure {
		t.Fatalf("y status = %s", y.Status())
	}
	if y.Result().Stack == "" {
		t.Fatalf("exception should carry a stack")
	}
	if !s.Stopped() || !s.Failed() {
		t.Fatalf("stopped=%v failed=%v", s.Stopped(), s.Failed())
	}
	if ran.Load() != 0 {
		t.Fatalf("%d tasks ran after the failure", ran.Load())
	}
	if got, want := len(src.Finished()), s.Stats().Dispatched; got != want {
		t.Fatalf("completions %d != dispatches %d", got, want)
	}
	for _, tk := range others {
		if st := tk.Status(); st != task.Skipped && st != task.Pending {
			t.Fatalf("%s: status %s", tk.ID(), st)
		}
	}
}

func TestStopOnLogicFailure(t *testing.T) {
	var ran atomic.Int32
	ok := task.NewFunc("ok", func(ctx context.Context) error { return nil })
	bad := task.NewFunc("bad", func(ctx context.Context) error { return errors.New("exit status 2") })
	rest := []task.Task{}
	for i := 0; i < 3; i++ {
		rest = append(rest, task.NewFunc(fmt.Sprintf("r%d", i), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	src := NewSliceSource(append([]task.Task{ok, bad}, rest...)...)
	s := New(src, WithWorkers(1))

	err := runWithTimeout(t, s)
	var te *task.Error
	if !errors.As(err, &te) || te.Status != task.LogicFailure {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok.Status() != task.Success || bad.Status() != task.LogicFailure {
		t.Fatalf("ok=%s bad=%s", ok.Status(), bad.Status())
	}
	if ran.Load() != 0 {
		t.Fatalf("%d tasks ran after stop", ran.Load())
	}
	if got, want := len(src.Finished()), s.Stats().Dispatched; got != want {
		t.Fatalf("completions %d != dispatches %d", got, want)
	}
}

func TestKeepGoingRunsIndependentTasks(t *testing.T) {
	bad := task.NewFunc("bad", func(ctx context.Context) error { return errors.New("boom") })
	tasks := []task.Task{bad}
	for i := 0; i < 6; i++ {
		tasks = append(tasks, task.NewFunc(fmt.Sprintf("ok%d", i), func(ctx context.Context) error { return nil }))
	}
	s := New(NewSliceSource(tasks...), WithWorkers(2), WithKeepGoing(true))

	if err := runWithTimeout(t, s); err == nil {
		t.Fatalf("keep-going run must still report failure")
	}
	if s.Stopped() {
		t.Fatalf("keep-going must not stop")
	}
	for _, tk := range tasks[1:] {
		if tk.Status() != task.Success {
			t.Fatalf("%s: status %s", tk.ID(), tk.Status())
		}
	}
}

func TestAskLaterDispatchedWhenDependencyDone(t *testing.T) {
	for _, detect := range []bool{false, true} {
		t.Run(fmt.Sprintf("deadlock_detection=%v", detect), func(t *testing.T) {
			b := task.NewFunc("b", func(ctx context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			a := task.NewFunc("a", func(ctx context.Context) error { return nil })
			a.ReadyFn = func() (task.Readiness, error) {
				if b.Status() != task.Success {
					return task.AskLater, nil
				}
				return task.Proceed, nil
			}
			s := New(NewSliceSource(a, b), WithWorkers(2), WithDeadlockDetection(detect))
			if err := runWithTimeout(t, s); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if a.Status() != task.Success {
				t.Fatalf("a status = %s", a.Status())
			}
			if s.Stats().Postponed == 0 {
				t.Fatalf("a should have been postponed")
			}
		})
	}
}

func TestAskLaterExternalCondition(t *testing.T) {
	var ready atomic.Bool
	a := task.NewFunc("a", func(ctx context.Context) error { return nil })
	a.ReadyFn = func() (task.Readiness, error) {
		if !ready.Load() {
			return task.AskLater, nil
		}
		return task.Proceed, nil
	}
	time.AfterFunc(20*time.Millisecond, func() { ready.Store(true) })

	s := New(NewSliceSource(a), WithWorkers(1))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Status() != task.Success {
		t.Fatalf("a status = %s", a.Status())
	}
}

func TestDeadlockDetected(t *testing.T) {
	never := task.NewFunc("never", func(ctx context.Context) error { return nil })
	never.ReadyFn = func() (task.Readiness, error) { return task.AskLater, nil }
	src := NewSliceSource(never)
	s := New(src, WithWorkers(1), WithDeadlockDetection(true))

	err := runWithTimeout(t, s)
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("err = %v, want ErrDeadlock", err)
	}
	if never.Status() != task.ExceptionFailure {
		t.Fatalf("status = %s", never.Status())
	}
	if len(src.Finished()) != 1 {
		t.Fatalf("deadlocked task must be reported once")
	}
}

func TestReadinessPanicIsException(t *testing.T) {
	var ran atomic.Bool
	a := task.NewFunc("a", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	a.ReadyFn = func() (task.Readiness, error) { panic("stat failed") }
	b := task.NewFunc("b", func(ctx context.Context) error { return nil })
	b.ReadyFn = func() (task.Readiness, error) { return task.Proceed, errors.New("input missing") }

	s := New(NewSliceSource(a, b), WithWorkers(1), WithKeepGoing(true))
	if err := runWithTimeout(t, s); err == nil {
		t.Fatalf("expected error")
	}
	if ran.Load() {
		t.Fatalf("task with a failing readiness check must not run")
	}
	for _, tk := range []task.Task{a, b} {
		if tk.Status() != task.ExceptionFailure {
			t.Fatalf("%s: status %s", tk.ID(), tk.Status())
		}
	}
	if a.Result().Stack == "" {
		t.Fatalf("readiness panic should carry a stack")
	}
	if s.Stats().Dispatched != 0 {
		t.Fatalf("nothing should be dispatched")
	}
}

func TestSkipIsNotRun(t *testing.T) {
	var ran atomic.Bool
	a := task.NewFunc("a", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	a.ReadyFn = func() (task.Readiness, error) { return task.Skip, nil }
	src := NewSliceSource(a)
	s := New(src, WithWorkers(1))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran.Load() || a.Status() != task.Skipped {
		t.Fatalf("ran=%v status=%s", ran.Load(), a.Status())
	}
	if s.Stats().Processed != 1 || len(src.Finished()) != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestTerminalTaskNeverRedispatched(t *testing.T) {
	var runs atomic.Int32
	done := task.NewFunc("done", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	done.SetStatus(task.Success)

	twice := task.NewFunc("twice", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s := New(NewSliceSource(done, twice, twice), WithWorkers(2))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestBatchMaxJobs(t *testing.T) {
	var g gauge
	tasks := []task.Task{}
	for i := 0; i < 6; i++ {
		tasks = append(tasks, sleepTask(fmt.Sprintf("j%d", i), &g, 2*time.Millisecond))
	}
	src := NewSliceSource(tasks...)
	src.MaxJobs = 1
	s := New(src, WithWorkers(4))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Stats().MaxInFlight != 1 || g.max.Load() != 1 {
		t.Fatalf("max in flight = %d, max running = %d", s.Stats().MaxInFlight, g.max.Load())
	}
}

type failingSource struct{ SliceSource }

func (f *failingSource) NextBatch() (Batch, error) {
	return Batch{}, errors.New("cycle between a and b")
}

func TestSourceErrorStopsRun(t *testing.T) {
	s := New(&failingSource{}, WithWorkers(1))
	err := runWithTimeout(t, s)
	if err == nil || !s.Stopped() {
		t.Fatalf("err=%v stopped=%v", err, s.Stopped())
	}
}

func TestContextCancelDrains(t *testing.T) {
	started := make(chan struct{})
	slow := task.NewFunc("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	var ran atomic.Bool
	later := task.NewFunc("later", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	later.ReadyFn = func() (task.Readiness, error) {
		if !slow.Status().Terminal() {
			return task.AskLater, nil
		}
		return task.Proceed, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := New(NewSliceSource(slow, later), WithWorkers(1))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if ran.Load() {
		t.Fatalf("no task may start after cancellation")
	}
	if slow.Status() != task.Success {
		t.Fatalf("running task must be drained, status %s", slow.Status())
	}
}

func TestCancelBeforeWorkersStartDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ran atomic.Bool
	first := task.NewFunc("first", func(context.Context) error { ran.Store(true); return nil })
	first.ReadyFn = func() (task.Readiness, error) {
		cancel()
		return task.Proceed, nil
	}

	s := New(NewSliceSource(first), WithWorkers(2))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run hung with a dispatched task after cancel (status %s)", first.Status())
	}
	if ran.Load() || first.Status() != task.Skipped {
		t.Fatalf("ran = %v, status = %s", ran.Load(), first.Status())
	}
}

func TestPanickingSubscriberDoesNotHangRun(t *testing.T) {
	bus := eventbus.New()
	bus.SubscribeFunc(func(eventbus.Event) { panic("subscriber bug") }, eventbus.TaskStarted)
	tk := task.NewFunc("only", func(context.Context) error { return nil })

	err := runWithTimeout(t, New(NewSliceSource(tk), WithWorkers(1), WithBus(bus)))
	if err == nil || tk.Status() != task.ExceptionFailure {
		t.Fatalf("err = %v, status = %s", err, tk.Status())
	}
}

func TestRunOnlyOnce(t *testing.T) {
	s := New(NewSliceSource(), WithWorkers(1))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrReused) {
		t.Fatalf("err = %v, want ErrReused", err)
	}
}

func TestRoundRobinPostponeOrder(t *testing.T) {
	s := New(nil, WithPostponePolicy(PostponeRoundRobin))
	a, b, c := task.NewFunc("a", nil), task.NewFunc("b", nil), task.NewFunc("c", nil)
	s.postpone(a)
	s.postpone(b)
	s.postpone(c)
	got := ""
	for _, tk := range s.frozen {
		got += tk.ID()
	}
	if got != "bac" {
		t.Fatalf("frozen order = %q, want bac", got)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	var runEvents, taskEvents atomic.Int32
	bus.SubscribeFunc(func(e eventbus.Event) { runEvents.Add(1) }, eventbus.RunStarted, eventbus.RunFinished)
	bus.SubscribeFunc(func(e eventbus.Event) { taskEvents.Add(1) }, eventbus.TaskFinished)

	s := New(NewSliceSource(task.NewFunc("a", nil), task.NewFunc("b", nil)), WithWorkers(1), WithBus(bus))
	if err := runWithTimeout(t, s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runEvents.Load() != 2 || taskEvents.Load() != 2 {
		t.Fatalf("run events=%d task events=%d", runEvents.Load(), taskEvents.Load())
	}
}

// batches hands out one prepared batch per NextBatch call.
type batches struct {
	list  []Batch
	total int
}

func (b *batches) NextBatch() (Batch, error) {
	if len(b.list) == 0 {
		return Batch{}, nil
	}
	next := b.list[0]
	b.list = b.list[1:]
	return next, nil
}

func (b *batches) NotifyFinished(task.Task) {}
func (b *batches) Total() int               { return b.total }

func TestUnsetMaxJobsLiftsPreviousCeiling(t *testing.T) {
	var limited, open gauge
	src := &batches{total: 6}
	var first, second []task.Task
	for i := 0; i < 3; i++ {
		first = append(first, sleepTask(fmt.Sprintf("l%d", i), &limited, 5*time.Millisecond))
		second = append(second, sleepTask(fmt.Sprintf("o%d", i), &open, 50*time.Millisecond))
	}
	src.list = []Batch{{MaxJobs: 1, Tasks: first}, {Tasks: second}}

	if err := runWithTimeout(t, New(src, WithWorkers(3))); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if limited.max.Load() != 1 {
		t.Fatalf("limited batch ran %d at once", limited.max.Load())
	}
	if open.max.Load() < 2 {
		t.Fatalf("unlimited batch kept the previous ceiling (max %d)", open.max.Load())
	}
}
