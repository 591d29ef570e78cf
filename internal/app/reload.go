package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"buildsched/internal/config"
	"buildsched/internal/eventbus"
	logx "buildsched/pkg/logx"
)

// validateReload rejects a reloaded config whose build file is gone; the
// previous config stays in effect.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	file := cfg.Build.File
	if f := strings.TrimSpace(a.opts.File); f != "" {
		file = f
	}
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("build.file: %w", err)
	}
	return nil
}

// reloadLoop applies published configs until ctx is done. Bursts are
// coalesced; onChange receives the changed sections.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, onChange func(sections []string)) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}

			sections, attrs := config.SummarizeConfigChange(last, cfg)
			last = cfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			for _, s := range sections {
				if s == "logging" {
					a.logs.Apply(a.effective().LogConfig())
				}
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
			a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
			if onChange != nil {
				onChange(sections)
			}
		}
	}
}

func has(sections []string, names ...string) bool {
	for _, s := range sections {
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}
