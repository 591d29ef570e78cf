package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"buildsched/internal/config"
	"buildsched/internal/runtime/supervisor"
	logx "buildsched/pkg/logx"
)

// Watch builds once, then rebuilds whenever the config, the build file or a
// watched path changes, until ctx is done. Failed builds are reported and
// the loop keeps waiting for the next change.
func (a *App) Watch(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	kick := make(chan struct{}, 1)
	rebuild := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	rebuild()

	var (
		wmu     sync.Mutex
		restart context.CancelFunc
	)
	restartFiles := func() {
		wmu.Lock()
		defer wmu.Unlock()
		if restart != nil {
			restart()
		}
	}

	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub, func(sections []string) {
			if has(sections, "watch", "build") {
				restartFiles()
			}
			rebuild()
		})
	})
	sup.Go("config.watch", a.cfgm.Watch)
	if srv := a.debugServer(); srv != nil {
		sup.Go("debug.server", srv.Run)
	}

	// The file watcher is recreated when the watched set may have changed.
	sup.GoRestart("files.watch", func(c context.Context) error {
		for c.Err() == nil {
			wctx, cancel := context.WithCancel(c)
			wmu.Lock()
			restart = cancel
			wmu.Unlock()
			err := a.fileWatcher(a.effective(), rebuild).Run(wctx)
			cancel()
			if err != nil {
				return err
			}
		}
		return nil
	})

	sup.Go0("build.loop", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case <-kick:
				sum, err := a.Build(c)
				if c.Err() != nil {
					return
				}
				if err != nil {
					a.log.Warn("build failed; waiting for changes", logx.Err(err))
				} else {
					a.log.Info("build up to date; waiting for changes", logx.Int("ran", sum.Succeeded), logx.Int("skipped", sum.Skipped))
				}
			}
		}
	})

	<-sup.Context().Done()
	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) fileWatcher(cfg *config.Config, rebuild func()) *config.FileWatcher {
	paths := append([]string{cfg.Build.File}, cfg.Watch.Paths...)
	return &config.FileWatcher{
		Paths:    paths,
		Ignore:   cfg.Watch.Ignore,
		Debounce: cfg.Watch.DebounceDuration(),
		Log:      a.log.With(logx.String("comp", "watch")),
		OnChange: func(_ context.Context, changed []string) {
			n := 0
			for _, p := range changed {
				if !a.isOutput(p) {
					n++
				}
			}
			if n == 0 {
				return
			}
			a.log.Info("change detected; rebuilding", logx.Int("files", n), logx.Strings("paths", first(changed, 5)))
			rebuild()
		},
	}
}

func first(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
