package engine

import (
	"context"
	"time"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
	logx "buildsched/pkg/logx"
)

// Runs taking longer than this are logged at info level.
const slowTask = 750 * time.Millisecond

// worker drains the ready queue until it is closed. It deliberately ignores
// ctx.Done: every queued task must reach the completion queue.
func (p *Pool) worker(ctx context.Context, idx int) {
	for t := range p.ready {
		p.execOne(ctx, t, idx)
	}
}

// execState tracks how far execOne got, for recoverExec.
type execState struct {
	started  bool
	reported bool
}

// execOne always hands t back on the completion queue, even when a bus
// subscriber, onError or the task's own bookkeeping panics.
func (p *Pool) execOne(ctx context.Context, t task.Task, idx int) {
	var st execState
	defer func() { p.done <- t }()
	defer p.recoverExec(t, idx, &st)

	if p.stopped() {
		p.bounced.Add(1)
		p.log.Trace("task.bounced", logx.String("task", t.ID()), logx.Int("worker", idx))
		p.publish(eventbus.TaskBounced, TaskEvent{ID: t.ID(), Status: t.Status().String(), Worker: idx})
		return
	}

	st.started = true
	t.SetStatus(task.Running)
	p.noteRunning(p.running.Add(1))
	running := true
	defer func() {
		if running {
			p.running.Add(-1)
		}
	}()
	start := time.Now()
	prog := t.Progress()

	p.log.Debug("task.started", logx.String("task", t.ID()), logx.String("progress", prog.String()), logx.Int("worker", idx))
	p.publish(eventbus.TaskStarted, TaskEvent{ID: t.ID(), Status: task.Running.String(), Index: prog.Index, Total: prog.Total, Worker: idx, Started: start})

	res := p.execute(ctx, t)

	running = false
	p.running.Add(-1)
	p.executed.Add(1)
	dur := time.Since(start)

	// Result first: anyone observing a terminal status can read it.
	t.SetResult(res)
	t.SetStatus(res.Status)

	ev := TaskEvent{ID: t.ID(), Status: res.Status.String(), Index: prog.Index, Total: prog.Total, Worker: idx, Started: start, Duration: dur, Stack: res.Stack}
	item := HistoryItem{ID: t.ID(), Status: res.Status.String(), Worker: idx, Started: start, Duration: dur}
	if res.Status != task.Success {
		if res.Err != nil {
			ev.Error = res.Err.Error()
			item.Error = ev.Error
		}
		p.log.Warn("task.failed", logx.String("task", t.ID()), logx.String("status", res.Status.String()), logx.Err(res.Err), logx.Duration("dur", dur), logx.Stack(res.Stack))
		st.reported = true
		if p.onError != nil {
			p.onError(t)
		}
		p.publish(eventbus.TaskFailed, ev)
	} else {
		if dur >= slowTask {
			p.log.Info("task.completed", logx.String("task", t.ID()), logx.String("progress", prog.String()), logx.Duration("dur", dur))
		} else {
			p.log.Debug("task.completed", logx.String("task", t.ID()), logx.String("progress", prog.String()), logx.Duration("dur", dur))
		}
		p.publish(eventbus.TaskFinished, ev)
	}
	p.record(item)
}

// recoverExec turns a panic outside Run/PostRun into an exception failure of
// t. A bounced task stays untouched; a failure already handed to onError is
// not reported twice.
func (p *Pool) recoverExec(t task.Task, idx int, st *execState) {
	r := recover()
	if r == nil {
		return
	}
	res := task.Recovered(r)
	p.log.Error("worker panicked outside task run", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(res.Stack))
	if !st.started {
		return
	}
	if !t.Status().Terminal() {
		t.SetResult(res)
		t.SetStatus(task.ExceptionFailure)
	}
	if st.reported || p.onError == nil || !t.Status().Failed() {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("onError panicked", logx.Int("worker", idx), logx.Any("panic", r))
			}
		}()
		p.onError(t)
	}()
}

// execute runs the action and, after a successful action, the finalize step.
// Any finalize failure is an exception: the action claimed success.
func (p *Pool) execute(ctx context.Context, t task.Task) task.Result {
	runCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	res := task.Call(func() error { return t.Run(runCtx) })
	if res.Status != task.Success {
		return res
	}
	res = task.Call(func() error { return t.PostRun(runCtx) })
	if res.Status == task.LogicFailure {
		res.Status = task.ExceptionFailure
	}
	return res
}

func (p *Pool) noteRunning(n int32) {
	for {
		cur := p.maxRunning.Load()
		if n <= cur || p.maxRunning.CompareAndSwap(cur, n) {
			return
		}
	}
}
