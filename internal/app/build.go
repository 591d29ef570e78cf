package app

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"buildsched/internal/build"
	"buildsched/internal/buildfile"
	"buildsched/internal/config"
	"buildsched/internal/eventbus"
	"buildsched/internal/notifier"
	"buildsched/internal/report"
	"buildsched/internal/storage"
	"buildsched/internal/task"
	"buildsched/internal/task/engine"
	"buildsched/internal/task/group"
	"buildsched/internal/task/scheduler"
	logx "buildsched/pkg/logx"
)

// Build runs the build file once and prints the summary. The returned error
// is the scheduler's aggregate error, or a load/setup error.
func (a *App) Build(ctx context.Context) (report.Summary, error) {
	cfg := a.effective()
	f, err := buildfile.Load(cfg.Build.File)
	if err != nil {
		return report.Summary{}, err
	}
	st, err := a.syncStore(cfg)
	if err != nil {
		return report.Summary{}, err
	}
	rt := &build.Runtime{Store: st, Log: a.log.With(logx.String("comp", "build")), Out: a.out}
	m, err := a.manager(cfg, f, rt)
	if err != nil {
		return report.Summary{}, err
	}
	a.noteOutputs(m)

	a.rec.Reset()
	a.mu.Lock()
	a.runID = newRunID(time.Now())
	a.mu.Unlock()

	opts := append(cfg.SchedulerOptions(a.log.With(logx.String("comp", "scheduler"))), scheduler.WithBus(a.bus))
	runErr := scheduler.New(m, opts...).Run(ctx)

	sum := a.rec.Summarize()
	if err := a.rec.WriteSummary(a.out, report.SummaryOptions{Color: a.color(cfg), Tasks: cfg.Report.ShowTasks}); err != nil {
		a.log.Debug("summary write failed", logx.Err(err))
	}
	a.sendResult(ctx, cfg, sum)
	return sum, runErr
}

// sendResult posts the summary to the webhook, if one is configured. Delivery
// failures are logged, never returned.
func (a *App) sendResult(ctx context.Context, cfg *config.Config, sum report.Summary) {
	n := a.notifierFor(cfg)
	if n == nil {
		return
	}
	a.mu.Lock()
	runID := a.runID
	a.mu.Unlock()
	// An interrupted build is still worth reporting.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	_ = n.Notify(ctx, notifier.Result{
		RunID:     runID,
		BuildFile: cfg.Build.File,
		OK:        sum.OK(),
		Total:     sum.Total,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Crashed:   sum.Crashed,
		Skipped:   sum.Skipped,
		NotRun:    sum.NotRun,
		Duration:  sum.Duration,
		Error:     sum.Err,
		At:        time.Now(),
	})
}

// List prints the batches the build would run, without running anything.
func (a *App) List(w io.Writer) error {
	cfg := a.effective()
	f, err := buildfile.Load(cfg.Build.File)
	if err != nil {
		return err
	}
	m, err := a.manager(cfg, f, &build.Runtime{Log: a.log.With(logx.String("comp", "build"))})
	if err != nil {
		return err
	}
	plan, err := m.Plan()
	if err != nil {
		return err
	}
	return report.RenderPlan(w, cfg.Build.File, plan, a.color(cfg))
}

func (a *App) manager(cfg *config.Config, f *buildfile.File, rt *build.Runtime) (*group.Manager, error) {
	return buildfile.Build(f, rt, buildfile.Options{
		Algorithm: cfg.Build.Algorithm,
		Manager:   []group.Option{group.WithLogger(a.log.With(logx.String("comp", "group")))},
	})
}

// noteOutputs remembers every declared output so watch mode can ignore the
// events its own builds cause.
func (a *App) noteOutputs(m *group.Manager) {
	outs := map[string]struct{}{}
	for _, g := range m.Groups() {
		for _, t := range g.Tasks() {
			c, ok := t.(*build.Command)
			if !ok {
				continue
			}
			for _, p := range c.OutputPaths() {
				if abs, err := filepath.Abs(p); err == nil {
					outs[abs] = struct{}{}
				}
			}
		}
	}
	a.mu.Lock()
	a.outputs = outs
	a.mu.Unlock()
}

func (a *App) isOutput(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.outputs[path]
	return ok
}

// recordRun appends every terminal task to the store's run log.
func (a *App) recordRun(e eventbus.Event) {
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	a.mu.Lock()
	st, runID := a.store, a.runID
	a.mu.Unlock()
	if st == nil {
		return
	}
	status := ev.Status
	if e.Type == eventbus.TaskBounced {
		status = task.Skipped.String()
	}
	rec := storage.RunRecord{
		At:         e.Time,
		RunID:      runID,
		Task:       ev.ID,
		Status:     status,
		DurationMS: ev.Duration.Milliseconds(),
		Error:      ev.Error,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.AppendRun(ctx, rec); err != nil {
		a.throttle.Log("runlog", a.log.Warn, "run record failed", logx.String("task", ev.ID), logx.Err(err))
	}
}
