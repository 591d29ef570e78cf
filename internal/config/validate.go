package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"buildsched/internal/notifier"
	"buildsched/internal/observability/debug"
	"buildsched/internal/storage"
	"buildsched/internal/task/group"
	"buildsched/internal/task/scheduler"
	"buildsched/internal/task/trigger"
	logx "buildsched/pkg/logx"
)

// Validate checks every section and returns all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	b := cfg.Build
	if b.Jobs < 0 {
		add("build.jobs must be >= 0")
	}
	if b.Gap < 0 {
		add("build.gap must be >= 0")
	}
	if _, err := group.ParseAlgorithm(b.Algorithm); err != nil {
		add("build.algorithm: %w", err)
	}
	if _, ok := scheduler.ParsePostponePolicy(b.Postpone); !ok {
		add("build.postpone: unknown policy %q", b.Postpone)
	}
	if _, err := ParseDurationField("build.timeout", b.Timeout); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		if !storage.ValidDriver(s.Driver) {
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("watch.debounce", cfg.Watch.Debounce); err != nil {
		errs = append(errs, err)
	}
	for _, g := range cfg.Watch.Ignore {
		if _, err := filepath.Match(g, "x"); err != nil {
			add("watch.ignore: bad pattern %q: %w", g, err)
		}
	}

	if spec := strings.TrimSpace(cfg.Schedule.Spec); spec != "" {
		if _, err := trigger.ParseSchedule(spec); err != nil {
			add("schedule.spec: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add("schedule.timezone: %w", err)
		}
	}
	if err := cfg.DebugConfig().Validate(); err != nil {
		add("debug.addr: %w", err)
	}

	n := cfg.Notify
	if raw := strings.TrimSpace(n.URL); raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("notify.url: want an http(s) URL, got %q", raw)
		}
	}
	if _, ok := notifier.ParsePolicy(strings.ToLower(strings.TrimSpace(n.On))); !ok {
		add("notify.on: unknown policy %q", n.On)
	}
	if n.RetryMax < 0 {
		add("notify.retry_max must be >= 0")
	}
	if _, err := ParseDurationField("notify.timeout", n.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("notify.min_interval", n.MinInterval); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LogConfig converts the logging section for logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		NoColor: c.Logging.NoColor,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// DebugConfig converts the debug section.
func (c *Config) DebugConfig() debug.Config {
	return debug.Config{Addr: strings.TrimSpace(c.Debug.Addr), Token: strings.TrimSpace(c.Debug.Token)}
}

// NotifyConfig converts the notify section. An empty URL disables it.
func (c *Config) NotifyConfig() notifier.Config {
	n := c.Notify
	p, _ := notifier.ParsePolicy(strings.ToLower(strings.TrimSpace(n.On)))
	timeout, _ := ParseDurationField("notify.timeout", n.Timeout)
	interval, _ := ParseDurationField("notify.min_interval", n.MinInterval)
	return notifier.Config{
		URL:         strings.TrimSpace(n.URL),
		On:          p,
		Timeout:     timeout,
		RetryMax:    n.RetryMax,
		MinInterval: interval,
	}
}

// StoreConfig converts the storage section. A nil section disables storage.
func (c *Config) StoreConfig() storage.Config {
	if c.Storage == nil {
		return storage.Config{}
	}
	bt, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: bt}
}

// SchedulerOptions converts the build section. jobs and keepGoing come from
// the command line when set there.
func (c *Config) SchedulerOptions(log logx.Logger) []scheduler.Option {
	b := c.Build
	opts := []scheduler.Option{
		scheduler.WithKeepGoing(b.KeepGoing),
		scheduler.WithDeadlockDetection(b.DeadlockDetectionEnabled()),
		scheduler.WithLogger(log),
	}
	if b.Jobs > 0 {
		opts = append(opts, scheduler.WithWorkers(b.Jobs))
	}
	if b.Gap > 0 {
		opts = append(opts, scheduler.WithGap(b.Gap))
	}
	if p, ok := scheduler.ParsePostponePolicy(b.Postpone); ok {
		opts = append(opts, scheduler.WithPostponePolicy(p))
	}
	if d, _ := ParseDurationField("build.timeout", b.Timeout); d > 0 {
		opts = append(opts, scheduler.WithTaskTimeout(d))
	}
	return opts
}

// DebounceDuration resolves watch.debounce.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, err := ParseDurationOrDefault("watch.debounce", w.Debounce, 300*time.Millisecond)
	if err != nil {
		return 300 * time.Millisecond
	}
	return d
}
