package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "buildsched/pkg/logx"
)

// ErrNoSchedule is returned by New when the config holds no schedule.
var ErrNoSchedule = errors.New("trigger: no schedule configured")

type Config struct {
	Spec     string
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Trigger fires a callback on a cron or interval schedule.
//
// A firing that arrives while the previous callback still runs is skipped, so
// a slow build never queues up behind itself.
type Trigger struct {
	mu     sync.Mutex
	log    logx.Logger
	spec   ParsedSpec
	loc    *time.Location
	parser cron.Parser
	sched  cron.Schedule
	c      *cron.Cron
	fn     func(ctx context.Context) error

	busy    atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
}

// Stats counts firings; Skipped ones overlapped a running callback.
type Stats struct {
	Fired   uint64
	Skipped uint64
}

func New(cfg Config, fn func(ctx context.Context) error, log logx.Logger) (*Trigger, error) {
	if strings.TrimSpace(cfg.Spec) == "" {
		return nil, ErrNoSchedule
	}
	if fn == nil {
		return nil, errors.New("trigger: callback required")
	}
	ps, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return nil, err
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(ps.CronSpec())
	if err != nil {
		return nil, fmt.Errorf("trigger: parse %q: %w", cfg.Spec, err)
	}
	t := &Trigger{
		log:    log.With(logx.String("comp", "trigger")),
		spec:   ps,
		loc:    loadLocation(cfg.Timezone, log),
		parser: parser,
		sched:  sched,
		fn:     fn,
	}
	return t, nil
}

func (t *Trigger) Spec() ParsedSpec { return t.spec }

func (t *Trigger) Stats() Stats {
	return Stats{Fired: t.fired.Load(), Skipped: t.skipped.Load()}
}

// Next returns the next n firing times after now.
func (t *Trigger) Next(now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := now.In(t.loc)
	for i := 0; i < n; i++ {
		cur = t.sched.Next(cur)
		if cur.IsZero() {
			break
		}
		out = append(out, cur)
	}
	return out
}

// Start begins firing. The callback receives ctx.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(t.loc))
	t.c.Schedule(t.sched, cron.FuncJob(func() { t.fire(ctx) }))
	t.c.Start()

	args := []logx.Field{logx.String("kind", t.spec.Kind.String()), logx.String("spec", t.spec.CronSpec()), logx.String("tz", t.loc.String())}
	if next := t.Next(time.Now(), 3); len(next) > 0 {
		parts := make([]string, len(next))
		for i, n := range next {
			parts[i] = n.Format("2006-01-02 15:04:05")
		}
		args = append(args, logx.String("next", strings.Join(parts, ", ")))
	}
	t.log.Info("trigger started", args...)
}

// Stop stops firing and waits for a running callback or ctx.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped", logx.Uint64("fired", t.fired.Load()), logx.Uint64("skipped", t.skipped.Load()))
}

// Run starts the trigger and blocks until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	t.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Stop(stopCtx)
	return nil
}

// Fire runs the callback now, subject to the same overlap rule.
func (t *Trigger) Fire(ctx context.Context) bool { return t.fire(ctx) }

func (t *Trigger) fire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !t.busy.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Debug("trigger skipped: previous run still active")
		return false
	}
	defer t.busy.Store(false)
	t.fired.Add(1)

	start := time.Now()
	err := t.fn(ctx)
	if err != nil {
		t.log.Warn("triggered run failed", logx.Err(err), logx.Duration("dur", time.Since(start)))
	} else {
		t.log.Info("triggered run finished", logx.Duration("dur", time.Since(start)))
	}
	return true
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
