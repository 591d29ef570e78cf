package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
	logx "buildsched/pkg/logx"
)

func newTestPool(t *testing.T, workers int, onError func(task.Task), stopped func() bool) *Pool {
	t.Helper()
	p := NewPool(Config{Workers: workers, QueueSize: workers + 2}, onError, stopped, logx.Nop(), nil)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func collect(t *testing.T, p *Pool, n int) []task.Task {
	t.Helper()
	out := make([]task.Task, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case done := <-p.Completions():
			out = append(out, done)
		case <-timeout:
			t.Fatalf("timed out after %d/%d completions", len(out), n)
		}
	}
	return out
}

func TestPoolRunsTasks(t *testing.T) {
	p := newTestPool(t, 2, nil, nil)

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		tk := task.NewFunc("t", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		if err := p.Submit(tk); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for _, tk := range collect(t, p, 3) {
		if tk.Status() != task.Success {
			t.Fatalf("status = %s", tk.Status())
		}
	}
	if ran.Load() != 3 {
		t.Fatalf("ran = %d", ran.Load())
	}
	if s := p.Snapshot(); s.Executed != 3 || len(s.History) != 3 || s.Workers != 2 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestPoolFailureKinds(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	onError := func(tk task.Task) {
		mu.Lock()
		failed = append(failed, tk.ID())
		mu.Unlock()
	}
	p := newTestPool(t, 1, onError, nil)

	logic := task.NewFunc("logic", func(ctx context.Context) error { return errors.New("exit status 1") })
	exc := task.NewFunc("exception", func(ctx context.Context) error { return task.Exception(errors.New("spawn failed")) })
	pan := task.NewFunc("panic", func(ctx context.Context) error { panic("bad") })
	post := task.NewFunc("post", func(ctx context.Context) error { return nil })
	post.PostFn = func(ctx context.Context) error { return errors.New("missing output") }
	skipPost := task.NewFunc("skip-post", func(ctx context.Context) error { return errors.New("fail") })
	var postCalled atomic.Bool
	skipPost.PostFn = func(ctx context.Context) error {
		postCalled.Store(true)
		return nil
	}

	want := map[string]task.Status{
		"logic":     task.LogicFailure,
		"exception": task.ExceptionFailure,
		"panic":     task.ExceptionFailure,
		"post":      task.ExceptionFailure,
		"skip-post": task.LogicFailure,
	}
	for _, tk := range []task.Task{logic, exc, pan, post, skipPost} {
		if err := p.Submit(tk); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for _, tk := range collect(t, p, len(want)) {
		if tk.Status() != want[tk.ID()] {
			t.Fatalf("%s: status = %s, want %s", tk.ID(), tk.Status(), want[tk.ID()])
		}
		if tk.Result().Status != tk.Status() {
			t.Fatalf("%s: result status %s != %s", tk.ID(), tk.Result().Status, tk.Status())
		}
	}
	if pan.Result().Stack == "" {
		t.Fatalf("panic result should carry a stack")
	}
	if postCalled.Load() {
		t.Fatalf("PostRun must not run after a failed Run")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != len(want) {
		t.Fatalf("onError called %d times, want %d", len(failed), len(want))
	}
}

func TestPoolBouncesWhenStopped(t *testing.T) {
	var stop atomic.Bool
	stop.Store(true)
	p := newTestPool(t, 1, nil, stop.Load)

	var ran atomic.Bool
	tk := task.NewFunc("x", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	tk.SetStatus(task.Ready)
	if err := p.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collect(t, p, 1)[0]
	if ran.Load() {
		t.Fatalf("bounced task must not run")
	}
	if got.Status() != task.Ready {
		t.Fatalf("bounced task status = %s, want ready", got.Status())
	}
	if p.Snapshot().Bounced != 1 {
		t.Fatalf("bounced counter not updated")
	}
}

func TestPoolTaskTimeout(t *testing.T) {
	p := NewPool(Config{Workers: 1, TaskTimeout: 20 * time.Millisecond}, nil, nil, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Close()

	tk := task.NewFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := p.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collect(t, p, 1)[0]
	if got.Status() != task.LogicFailure || !errors.Is(got.Result().Err, context.DeadlineExceeded) {
		t.Fatalf("unexpected result: %+v", got.Result())
	}
}

func TestPoolPublishesEvents(t *testing.T) {
	bus := eventbus.New()
	var started, finished atomic.Int32
	bus.SubscribeFunc(func(e eventbus.Event) {
		switch e.Type {
		case eventbus.TaskStarted:
			started.Add(1)
		case eventbus.TaskFinished:
			if ev, ok := e.Data.(TaskEvent); !ok || ev.ID != "ev" {
				t.Errorf("unexpected event data: %#v", e.Data)
			}
			finished.Add(1)
		}
	})
	p := NewPool(Config{Workers: 1}, nil, nil, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Close()

	if err := p.Submit(task.NewFunc("ev", func(ctx context.Context) error { return nil })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	collect(t, p, 1)
	if started.Load() != 1 || finished.Load() != 1 {
		t.Fatalf("started=%d finished=%d", started.Load(), finished.Load())
	}
}

func TestPoolSubmitLifecycle(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil, nil, logx.Nop(), nil)
	if err := p.Submit(task.NewFunc("x", nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
	p.Start(context.Background())
	p.Start(context.Background())
	p.Close()
	p.Close()
	if err := p.Submit(task.NewFunc("x", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestPoolReturnsTaskWhenSubscriberPanics(t *testing.T) {
	bus := eventbus.New()
	bus.SubscribeFunc(func(eventbus.Event) { panic("subscriber bug") }, eventbus.TaskStarted)
	var failed atomic.Int32
	p := NewPool(Config{Workers: 1}, func(task.Task) { failed.Add(1) }, nil, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Close()

	var ran atomic.Bool
	if err := p.Submit(task.NewFunc("sub", func(ctx context.Context) error { ran.Store(true); return nil })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collect(t, p, 1)[0]
	if got.Status() != task.ExceptionFailure || got.Result().Err == nil {
		t.Fatalf("status = %s, result = %+v", got.Status(), got.Result())
	}
	if ran.Load() || failed.Load() != 1 {
		t.Fatalf("ran = %v, onError calls = %d", ran.Load(), failed.Load())
	}
	if s := p.Snapshot(); s.Running != 0 {
		t.Fatalf("running = %d after panic", s.Running)
	}

	// The worker keeps serving the queue.
	if err := p.Submit(task.NewFunc("next", func(ctx context.Context) error { return nil })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if next := collect(t, p, 1)[0]; next.ID() != "next" || !next.Status().Terminal() {
		t.Fatalf("next = %s %s", next.ID(), next.Status())
	}
}

func TestPoolOnErrorPanicStillCompletes(t *testing.T) {
	p := newTestPool(t, 1, func(task.Task) { panic("hook bug") }, nil)
	if err := p.Submit(task.NewFunc("bad", func(ctx context.Context) error { return errors.New("exit status 2") })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := collect(t, p, 1)[0]; got.Status() != task.LogicFailure {
		t.Fatalf("status = %s", got.Status())
	}
}

func TestPoolStartsWorkersOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPool(Config{Workers: 2}, nil, nil, logx.Nop(), nil)
	p.Start(ctx)
	defer p.Close()

	if err := p.Submit(task.NewFunc("late", func(c context.Context) error { return c.Err() })); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := collect(t, p, 1)[0]
	if got.Status() != task.LogicFailure || !errors.Is(got.Result().Err, context.Canceled) {
		t.Fatalf("status = %s, err = %v", got.Status(), got.Result().Err)
	}
}
