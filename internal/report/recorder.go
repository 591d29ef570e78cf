package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"buildsched/internal/eventbus"
	"buildsched/internal/task"
	"buildsched/internal/task/engine"
	"buildsched/internal/task/scheduler"
)

// Record is the last known outcome of one task.
type Record struct {
	ID       string        `json:"id"`
	Status   task.Status   `json:"status"`
	Index    int           `json:"index,omitempty"`
	Total    int           `json:"total,omitempty"`
	Worker   int           `json:"worker,omitempty"`
	Started  time.Time     `json:"started,omitzero"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Stack    string        `json:"stack,omitempty"`
	// Bounced is set when a worker returned the task unrun after a stop.
	Bounced bool `json:"bounced,omitempty"`
}

// Recorder collects task records. Events arrive from worker goroutines.
type Recorder struct {
	runs *xsync.MapOf[string, Record]

	mu       sync.Mutex
	run      scheduler.RunEvent
	started  time.Time
	progress io.Writer
}

type Option func(*Recorder)

// WithProgress prints a "[i/n] task" line for every started task.
func WithProgress(w io.Writer) Option { return func(r *Recorder) { r.progress = w } }

func New(opts ...Option) *Recorder {
	r := &Recorder{runs: xsync.NewMapOf[string, Record]()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach subscribes to bus and returns the unsubscribe func. The
// subscription is synchronous so no event is dropped.
func (r *Recorder) Attach(bus eventbus.Bus) func() {
	return bus.SubscribeFunc(r.handle,
		eventbus.RunStarted, eventbus.RunFinished,
		eventbus.TaskStarted, eventbus.TaskFinished, eventbus.TaskFailed,
		eventbus.TaskSkipped, eventbus.TaskBounced,
	)
}

// Reset forgets everything; watch and cron modes reuse one recorder.
func (r *Recorder) Reset() {
	r.runs.Clear()
	r.mu.Lock()
	r.run = scheduler.RunEvent{}
	r.started = time.Time{}
	r.mu.Unlock()
}

func (r *Recorder) handle(e eventbus.Event) {
	switch e.Type {
	case eventbus.RunStarted, eventbus.RunFinished:
		ev, ok := e.Data.(scheduler.RunEvent)
		if !ok {
			return
		}
		r.mu.Lock()
		if e.Type == eventbus.RunStarted {
			r.started = e.Time
		}
		r.run = ev
		r.mu.Unlock()
		return
	}

	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	rec := Record{
		ID:       ev.ID,
		Status:   parseStatus(ev.Status),
		Index:    ev.Index,
		Total:    ev.Total,
		Worker:   ev.Worker,
		Started:  ev.Started,
		Duration: ev.Duration,
		Error:    ev.Error,
		Stack:    ev.Stack,
	}
	if e.Type == eventbus.TaskBounced {
		rec.Status = task.Skipped
		rec.Bounced = true
	}
	r.runs.Store(ev.ID, rec)

	if e.Type == eventbus.TaskStarted && r.progress != nil {
		r.mu.Lock()
		width := len(fmt.Sprint(ev.Total))
		fmt.Fprintf(r.progress, "[%*d/%d] %s\n", width, ev.Index, ev.Total, ev.ID)
		r.mu.Unlock()
	}
}

func parseStatus(s string) task.Status {
	for st := task.Pending; st <= task.Skipped; st++ {
		if st.String() == s {
			return st
		}
	}
	return task.Pending
}

// Records returns all records in dispatch order; never dispatched tasks
// (skipped at readiness) sort last by name.
func (r *Recorder) Records() []Record {
	out := make([]Record, 0, r.runs.Size())
	r.runs.Range(func(_ string, v Record) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Index == 0) != (b.Index == 0) {
			return a.Index != 0
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return strings.Compare(a.ID, b.ID) < 0
	})
	return out
}

// Summary counts the outcome of a run.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`  // logic failures
	Crashed   int           `json:"crashed"` // exception failures
	Skipped   int           `json:"skipped"`
	NotRun    int           `json:"not_run"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"error,omitempty"`
}

func (s Summary) OK() bool { return s.Failed == 0 && s.Crashed == 0 && s.Err == "" }

// Summarize counts the records against the last run event.
func (r *Recorder) Summarize() Summary {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()

	s := Summary{Total: run.Total, Duration: run.Duration, Err: run.Error}
	seen := 0
	r.runs.Range(func(_ string, v Record) bool {
		switch v.Status {
		case task.Success:
			s.Succeeded++
		case task.LogicFailure:
			s.Failed++
		case task.ExceptionFailure:
			s.Crashed++
		case task.Skipped:
			s.Skipped++
		default:
			// Started but never finished: the run was cut short.
			s.NotRun++
		}
		seen++
		return true
	})
	if s.Total < seen {
		s.Total = seen
	}
	s.NotRun += s.Total - seen
	return s
}
