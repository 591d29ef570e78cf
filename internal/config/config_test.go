package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"buildsched/internal/notifier"
	logx "buildsched/pkg/logx"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildsched.yaml")
	writeFile(t, path, `
build:
  jobs: 4
  keep_going: true
  algorithm: job_control
  deadlock_detection: false
storage:
  driver: sqlite
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Build.Jobs != 4 || !cfg.Build.KeepGoing || cfg.Build.File != DefaultBuildFile {
		t.Fatalf("build = %+v", cfg.Build)
	}
	if cfg.Build.DeadlockDetectionEnabled() {
		t.Fatalf("explicit false lost")
	}
	if cfg.Storage.Path != DefaultStorePath || cfg.Logging.Level != "info" || cfg.Watch.Debounce != DefaultDebounce {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Storage, cfg.Logging)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	y := filepath.Join(dir, "c.yaml")
	writeFile(t, y, "build:\n  jobz: 3\n")
	if _, err := NewConfigManager(y).Parse(); err == nil || !strings.Contains(err.Error(), "jobz") {
		t.Fatalf("unknown field: %v", err)
	}

	j := filepath.Join(dir, "c.json")
	writeFile(t, j, `{"build":{"jobs":1}} {"build":{}}`)
	if _, err := NewConfigManager(j).Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: %v", err)
	}
}

func TestEmptyPathUsesDefaults(t *testing.T) {
	m := NewConfigManager("  ")
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Build.File != DefaultBuildFile || cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("default = %+v", cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Build.Jobs = -1
	cfg.Build.Algorithm = "fastest"
	cfg.Build.Postpone = "sideways"
	cfg.Build.Timeout = "soon"
	cfg.Storage.Driver = "redis"
	cfg.Schedule.Spec = "every:banana"
	cfg.Watch.Ignore = []string{"["}
	cfg.Debug.Addr = ":6060"
	cfg.Notify.URL = "ftp://example.com/hook"
	cfg.Notify.On = "sometimes"
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"logging.level", "build.jobs", "build.algorithm", "build.postpone", "build.timeout", "storage.driver", "schedule.spec", "watch.ignore", "debug.addr", "notify.url", "notify.on"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
	if err := Validate(Default()); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
}

func TestSchedulerOptionsAndConversions(t *testing.T) {
	cfg := Default()
	cfg.Build.Jobs = 3
	cfg.Build.Gap = 1
	cfg.Build.Timeout = "2s"
	cfg.Storage.BusyTimeout = "1s"
	if n := len(cfg.SchedulerOptions(logx.Nop())); n != 7 {
		t.Fatalf("options = %d, want 7", n)
	}
	sc := cfg.StoreConfig()
	if sc.Driver != "file" || sc.BusyTimeout != time.Second {
		t.Fatalf("store config = %+v", sc)
	}
	cfg.Storage = nil
	if sc := cfg.StoreConfig(); sc.Driver != "" {
		t.Fatalf("nil storage should disable: %+v", sc)
	}
	if d := (WatchConfig{Debounce: "bad"}).DebounceDuration(); d != 300*time.Millisecond {
		t.Fatalf("debounce fallback = %s", d)
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr string
	}{
		{"", 0, ""},
		{"  ", 0, ""},
		{" 1m30s ", 90 * time.Second, ""},
		{"0s", 0, ""},
		{"soon", 0, `build.timeout: invalid duration "soon"`},
		{"-5s", 0, "build.timeout: duration must be >= 0"},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("build.timeout", tt.raw)
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("%q: err = %v, want %q", tt.raw, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: got %s, %v", tt.raw, got, err)
		}
	}
	if d, err := ParseDurationOrDefault("watch.debounce", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero should take the default: %s %v", d, err)
	}
	if _, err := ParseDurationOrDefault("watch.debounce", "x", time.Second); err == nil {
		t.Fatalf("bad value accepted")
	}
}

func TestNotifyConfig(t *testing.T) {
	cfg := Default()
	if nc := cfg.NotifyConfig(); nc.URL != "" || nc.On != notifier.OnFailure {
		t.Fatalf("default notify = %+v", nc)
	}
	cfg.Notify = NotifyConfig{URL: " https://hooks.example.com/b ", On: "Change", Timeout: "3s", RetryMax: 2, MinInterval: "1m"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	nc := cfg.NotifyConfig()
	if nc.URL != "https://hooks.example.com/b" || nc.On != notifier.OnChange || nc.Timeout != 3*time.Second || nc.MinInterval != time.Minute || nc.RetryMax != 2 {
		t.Fatalf("notify = %+v", nc)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := Default()
	b := Default()
	if changed, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("no-op change reported %v", changed)
	}
	b.Build.Jobs = 8
	b.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db"}
	b.Schedule.Spec = "@every 1m"
	b.Debug.Addr = "127.0.0.1:6060"
	b.Notify.URL = "https://hooks.example.com/build"
	changed, attrs := SummarizeConfigChange(a, b)
	want := []string{"build", "debug", "notify", "schedule", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if changed, _ := SummarizeConfigChange(nil, nil); len(changed) != 0 {
		t.Fatalf("nil configs: %v", changed)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	writeFile(t, path, `{"build":{"jobs":1}}`)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if m.Reload(ctx) {
		t.Fatalf("unchanged file published")
	}
	writeFile(t, path, `{"build":{"jobs":2}}`)
	if !m.Reload(ctx) {
		t.Fatalf("change not published")
	}
	if got := <-ch; got.Build.Jobs != 2 {
		t.Fatalf("published jobs = %d", got.Build.Jobs)
	}

	writeFile(t, path, `{"build":{"jobs":"many"}}`)
	if m.Reload(ctx) {
		t.Fatalf("invalid config published")
	}
	if m.Get().Build.Jobs != 2 {
		t.Fatalf("invalid config committed")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return os.ErrPermission })
	writeFile(t, path, `{"build":{"jobs":3}}`)
	if m.Reload(ctx) {
		t.Fatalf("rejected config published")
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "build:\n  jobs: 1\n")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// The watcher may not be armed yet; keep rewriting until a reload lands.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Build.Jobs != 5 {
				t.Fatalf("jobs = %d", cfg.Build.Jobs)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, path, "build:\n  jobs: 5\n")
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestFileWatcherDirectoriesAndIgnore(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src", ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	got := make(chan []string, 8)
	w := &FileWatcher{
		Paths:    []string{root},
		Ignore:   []string{"*.o"},
		Debounce: 50 * time.Millisecond,
		OnChange: func(ctx context.Context, changed []string) { got <- changed },
	}
	tg := w.targets()
	for _, d := range tg.dirs {
		if strings.Contains(d, ".git") {
			t.Fatalf("hidden dir watched: %s", d)
		}
	}
	if len(tg.dirs) != 2 {
		t.Fatalf("dirs = %v", tg.dirs)
	}
	if !w.ignored(filepath.Join(root, "a.o")) || !w.ignored(filepath.Join(root, ".swp")) || w.ignored(filepath.Join(root, "a.c")) {
		t.Fatalf("ignore rules wrong")
	}
	if tg.match(filepath.Join(root, ".git", "HEAD")) {
		t.Fatalf("hidden path matched")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	target := filepath.Join(root, "src", "main.c")
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case changed := <-got:
			for _, c := range changed {
				if c == target {
					return
				}
				if strings.HasSuffix(c, ".o") {
					t.Fatalf("ignored file reported: %v", changed)
				}
			}
		case <-tick.C:
			writeFile(t, filepath.Join(root, "src", "main.o"), "obj")
			writeFile(t, target, "int main(){}")
		case <-deadline:
			t.Fatalf("no change observed")
		}
	}
}
