package app

import (
	"context"

	"golang.org/x/sync/errgroup"

	"buildsched/internal/task/trigger"
	logx "buildsched/pkg/logx"
)

// Cron rebuilds on schedule.spec until ctx is done. A firing that lands
// while a build is still running is skipped. With now set, the first build
// starts immediately.
func (a *App) Cron(ctx context.Context, now bool) error {
	cfg := a.effective()
	tr, err := trigger.New(trigger.Config{Spec: cfg.Schedule.Spec, Timezone: cfg.Schedule.Timezone}, func(c context.Context) error {
		_, err := a.Build(c)
		return err
	}, a.log)
	if err != nil {
		return err
	}

	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if now {
			tr.Fire(gctx)
		}
		return tr.Run(gctx)
	})
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	srv := a.debugServer()
	g.Go(func() error { return runDebug(gctx, srv) })
	g.Go(func() error {
		a.reloadLoop(gctx, sub, func(sections []string) {
			if has(sections, "schedule") {
				a.log.Warn("schedule changed; restart required for it to take effect")
			}
		})
		return nil
	})
	err = g.Wait()
	a.log.Debug("cron stopped", logx.Uint64("fired", tr.Stats().Fired), logx.Uint64("skipped", tr.Stats().Skipped))
	return err
}
