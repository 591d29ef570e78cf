package config

import (
	"reflect"
	"sort"
	"strings"

	logx "buildsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) structured attrs for logging. Watch mode uses the section list to
// decide whether the next build needs a new scheduler or store.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ob, nb := oldCfg.Build, newCfg.Build
	if ob.File != nb.File || ob.Jobs != nb.Jobs || ob.KeepGoing != nb.KeepGoing || ob.Gap != nb.Gap ||
		!strings.EqualFold(ob.Algorithm, nb.Algorithm) || ob.Postpone != nb.Postpone ||
		ob.DeadlockDetectionEnabled() != nb.DeadlockDetectionEnabled() ||
		strings.TrimSpace(ob.Timeout) != strings.TrimSpace(nb.Timeout) {
		changed = append(changed, "build")
		attrs = append(attrs,
			logx.String("build.file", nb.File),
			logx.Int("build.jobs", nb.Jobs),
			logx.Bool("build.keep_going", nb.KeepGoing),
			logx.String("build.algorithm", nb.Algorithm),
			logx.String("build.timeout", strings.TrimSpace(nb.Timeout)),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oPath, nPath, oBusy, nBusy string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath, oBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath, nBusy = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path), strings.TrimSpace(s.BusyTimeout)
	}
	if oDriver != nDriver || oPath != nPath || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.String("storage.path", nPath),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.Bool("watch.enabled", newCfg.Watch.Enabled),
			logx.Strings("watch.paths", newCfg.Watch.Paths),
		)
	}

	if strings.TrimSpace(oldCfg.Schedule.Spec) != strings.TrimSpace(newCfg.Schedule.Spec) ||
		strings.TrimSpace(oldCfg.Schedule.Timezone) != strings.TrimSpace(newCfg.Schedule.Timezone) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs, logx.Bool("report.show_tasks", newCfg.Report.ShowTasks))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.String("debug.addr", newCfg.Debug.Addr), logx.Bool("debug.token_set", newCfg.Debug.Token != ""))
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs, logx.String("notify.on", newCfg.Notify.On), logx.Bool("notify.enabled", strings.TrimSpace(newCfg.Notify.URL) != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}
