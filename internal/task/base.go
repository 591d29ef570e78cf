package task

import (
	"context"
	"sync"
	"sync/atomic"
)

// Base implements the bookkeeping half of Task. Embed it by value and
// provide Readiness, Run and PostRun.
//
// Status is atomic: workers write it while readiness checks of other tasks
// read it from the scheduler goroutine.
type Base struct {
	Name string

	status atomic.Int32

	mu       sync.Mutex
	progress Progress
	result   Result
	followOn []Task
}

func (b *Base) ID() string { return b.Name }

func (b *Base) Status() Status     { return Status(b.status.Load()) }
func (b *Base) SetStatus(s Status) { b.status.Store(int32(s)) }

func (b *Base) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

func (b *Base) SetProgress(p Progress) {
	b.mu.Lock()
	b.progress = p
	b.mu.Unlock()
}

func (b *Base) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

func (b *Base) SetResult(r Result) {
	b.mu.Lock()
	b.result = r
	b.mu.Unlock()
}

func (b *Base) FollowOn() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.followOn
}

// AddFollowOn records tasks discovered during Run.
func (b *Base) AddFollowOn(ts ...Task) {
	b.mu.Lock()
	b.followOn = append(b.followOn, ts...)
	b.mu.Unlock()
}

// Func is a closure-backed task. Nil hooks behave as Proceed / no-op.
type Func struct {
	Base

	ReadyFn func() (Readiness, error)
	RunFn   func(ctx context.Context) error
	PostFn  func(ctx context.Context) error
	// SpawnFn is called after a successful RunFn; the returned tasks become follow-ons.
	SpawnFn func() []Task
}

// NewFunc returns a Func named id running fn.
func NewFunc(id string, fn func(ctx context.Context) error) *Func {
	return &Func{Base: Base{Name: id}, RunFn: fn}
}

func (f *Func) Readiness() (Readiness, error) {
	if f.ReadyFn == nil {
		return Proceed, nil
	}
	return f.ReadyFn()
}

func (f *Func) Run(ctx context.Context) error {
	if f.RunFn != nil {
		if err := f.RunFn(ctx); err != nil {
			return err
		}
	}
	if f.SpawnFn != nil {
		f.AddFollowOn(f.SpawnFn()...)
	}
	return nil
}

func (f *Func) PostRun(ctx context.Context) error {
	if f.PostFn == nil {
		return nil
	}
	return f.PostFn(ctx)
}
