package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
	logx "buildsched/pkg/logx"

	rtsup "buildsched/internal/runtime/supervisor"
)

// Pool is a fixed set of long-lived workers between a ready queue and a
// completion queue.
//
// Every task submitted comes back exactly once on Completions, either run to
// a terminal status or untouched when the stop predicate was already true.
type Pool struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	onError func(task.Task)
	stopped func() bool

	ready chan task.Task
	done  chan task.Task

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	closed bool

	running    atomic.Int32
	maxRunning atomic.Int32
	executed   atomic.Uint64
	bounced    atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

// NewPool builds a pool; no goroutine is started until Start.
//
// onError is called synchronously by the worker for every non-successful task
// before the completion is pushed. stopped is polled before each task runs.
func NewPool(cfg Config, onError func(task.Task), stopped func() bool, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if stopped == nil {
		stopped = func() bool { return false }
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "engine")),
		bus:     bus,
		onError: onError,
		stopped: stopped,
		ready:   make(chan task.Task, cfg.QueueSize),
		done:    make(chan task.Task, cfg.QueueSize),
	}
}

func (p *Pool) Workers() int { return p.cfg.Workers }

// Started reports whether Start has been called.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup != nil
}

// Start launches exactly cfg.Workers workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.sup != nil || p.closed {
		p.mu.Unlock()
		return
	}
	// Workers end when Close closes the ready queue, never on ctx: a task
	// already submitted must come back even if ctx is canceled before any
	// worker got scheduled. ctx still reaches Run.
	p.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(context.Context) error {
			p.worker(ctx, idx)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Debug("worker pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", p.cfg.QueueSize))
}

// Submit hands t to the workers. It blocks only when the ready queue is full.
func (p *Pool) Submit(t task.Task) error {
	p.mu.Lock()
	closed, started := p.closed, p.sup != nil
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}
	p.ready <- t
	return nil
}

// Completions yields every submitted task once it is finished or bounced.
func (p *Pool) Completions() <-chan task.Task { return p.done }

// Close stops accepting tasks and waits for the workers to exit. Callers drain
// all completions first; tasks still queued are run (or bounced) before the
// workers return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sup := p.sup
	close(p.ready)
	p.mu.Unlock()

	if sup != nil {
		_ = sup.Wait(context.Background())
		sup.Cancel()
		if err := sup.Err(); err != nil {
			p.log.Warn("worker pool stopped with error", logx.Err(err))
		}
	}
	p.log.Debug("worker pool stopped", logx.Uint64("executed", p.executed.Load()), logx.Uint64("bounced", p.bounced.Load()))
}

func (p *Pool) Snapshot() Snapshot {
	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Workers:    p.cfg.Workers,
		QueueLen:   len(p.ready),
		QueueCap:   cap(p.ready),
		Running:    int(p.running.Load()),
		MaxRunning: int(p.maxRunning.Load()),
		Executed:   p.executed.Load(),
		Bounced:    p.bounced.Load(),
		History:    h,
	}
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) publish(typ string, ev TaskEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
