package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"buildsched/internal/config"
	"buildsched/internal/eventbus"
	"buildsched/internal/notifier"
	"buildsched/internal/report"
	"buildsched/internal/storage"
	"buildsched/internal/task/trigger"
	logx "buildsched/pkg/logx"
)

// Options are command line overrides. Zero values keep the config file's
// setting.
type Options struct {
	ConfigPath string
	File       string
	Jobs       int
	KeepGoing  bool
	LogLevel   string
	Schedule   string
	// Out receives command output, progress lines and the summary.
	// Defaults to stdout.
	Out io.Writer
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	rec  *report.Recorder

	rawOut io.Writer
	out    io.Writer

	throttle *logx.Throttle
	unsub    []func()

	mu        sync.Mutex
	store     storage.Store
	storeCfg  storage.Config
	storeOpen bool
	runID     string
	outputs   map[string]struct{}
	notify    *notifier.Service
	notifyCfg notifier.Config
}

func New(opts Options) (*App, error) {
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" && !logx.ValidLevel(lvl) {
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	if s := strings.TrimSpace(opts.Schedule); s != "" {
		if _, err := trigger.ParseSchedule(s); err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}

	raw := opts.Out
	if raw == nil {
		raw = logx.Stdout()
	}
	a := &App{
		opts:     opts,
		cfgm:     cfgm,
		bus:      eventbus.New(),
		rawOut:   raw,
		out:      &syncWriter{w: raw},
		throttle: logx.NewThrottle(1, 3),
	}

	logSvc, log := logx.New(a.effective().LogConfig())
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a.rec = report.New(report.WithProgress(a.out))
	a.unsub = append(a.unsub,
		a.rec.Attach(a.bus),
		a.bus.SubscribeFunc(a.recordRun, eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskSkipped, eventbus.TaskBounced),
	)
	if lvl := log.With(logx.String("comp", "events")); lvl.Enabled(logx.LevelTrace) {
		a.unsub = append(a.unsub, a.bus.SubscribeFunc(func(e eventbus.Event) {
			lvl.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}))
	}
	return a, nil
}

// Config returns the effective configuration: the loaded file plus command
// line overrides.
func (a *App) Config() *config.Config { return a.effective() }

// Bus exposes task and run events.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) effective() *config.Config {
	c := *a.cfgm.Get()
	if f := strings.TrimSpace(a.opts.File); f != "" {
		c.Build.File = f
	}
	if a.opts.Jobs > 0 {
		c.Build.Jobs = a.opts.Jobs
	}
	if a.opts.KeepGoing {
		c.Build.KeepGoing = true
	}
	if lvl := strings.TrimSpace(a.opts.LogLevel); lvl != "" {
		c.Logging.Level = lvl
	}
	if s := strings.TrimSpace(a.opts.Schedule); s != "" {
		c.Schedule.Spec = s
	}
	return &c
}

// color resolves report.color; unset means "when writing to a terminal".
func (a *App) color(cfg *config.Config) bool {
	if cfg.Report.Color != nil {
		return *cfg.Report.Color
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := a.rawOut.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// syncStore opens the store for cfg, reopening it when the storage section
// changed since the last build.
func (a *App) syncStore(cfg *config.Config) (storage.Store, error) {
	sc := cfg.StoreConfig()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.storeOpen && sc == a.storeCfg {
		return a.store, nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store, a.storeOpen = nil, false
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store, a.storeCfg, a.storeOpen = st, sc, true
	if st != nil {
		a.log.Debug("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	} else {
		a.log.Debug("storage disabled; every task runs")
	}
	return st, nil
}

// notifier returns the webhook service for cfg, recreating it when the notify
// section changed. Nil means disabled.
func (a *App) notifierFor(cfg *config.Config) *notifier.Service {
	nc := cfg.NotifyConfig()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notify != nil && nc == a.notifyCfg {
		return a.notify
	}
	a.notify = notifier.New(nc, a.log.With(logx.String("comp", "notify")), a.bus)
	a.notifyCfg = nc
	return a.notify
}

// Close releases the store and the log file. The app must not be used
// afterwards.
func (a *App) Close() error {
	for _, u := range a.unsub {
		u()
	}
	a.unsub = nil

	a.mu.Lock()
	st := a.store
	a.store, a.storeOpen = nil, false
	a.mu.Unlock()

	var err error
	if st != nil {
		err = st.Close()
	}
	a.log.Debug("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// syncWriter serializes writes from workers, the progress printer and the
// summary.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405.000000000Z")
}
