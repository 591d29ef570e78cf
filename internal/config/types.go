package config

// Config is the process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Build    BuildConfig    `json:"build"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Watch    WatchConfig    `json:"watch"`
	Schedule ScheduleConfig `json:"schedule"`
	Report   ReportConfig   `json:"report"`
	Debug    DebugConfig    `json:"debug"`
	Notify   NotifyConfig   `json:"notify"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	NoColor bool        `json:"no_color,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BuildConfig controls the scheduler.
//
// Defaults (when fields are omitted/zero):
//   - file: "build.yaml"
//   - jobs: number of CPUs
//   - gap: 2
//   - algorithm: "normal"
//   - postpone: "random"
//   - deadlock_detection: true
//   - timeout: "0s" (disabled)
type BuildConfig struct {
	File      string `json:"file,omitempty"`
	Jobs      int    `json:"jobs,omitempty"`
	KeepGoing bool   `json:"keep_going,omitempty"`
	Gap       int    `json:"gap,omitempty"`

	// Algorithm is one of normal, jobcontrol, maxparallel. A build file
	// may set its own.
	Algorithm string `json:"algorithm,omitempty"`
	Postpone  string `json:"postpone,omitempty"`

	// DeadlockDetection is a pointer so an explicit false can be told apart
	// from "omitted".
	DeadlockDetection *bool `json:"deadlock_detection,omitempty"`

	// Timeout caps every task run. Use "0s" to disable.
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls the signature store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./.buildsched/state" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// WatchConfig controls watch mode.
type WatchConfig struct {
	Enabled bool `json:"enabled"`
	// Debounce coalesces bursts of file events. Default "300ms".
	Debounce string `json:"debounce,omitempty"`
	// Paths are files or directories (walked recursively, hidden ones
	// skipped) that trigger a rebuild. The config and build files are
	// always watched.
	Paths []string `json:"paths,omitempty"`
	// Ignore holds base-name globs (filepath.Match) to drop events for.
	Ignore []string `json:"ignore,omitempty"`
}

// ScheduleConfig enables periodic builds.
//
// Spec accepts a cron expression (seconds optional), "@every 10m",
// "every:10m", "HH:MM" or "daily:HH:MM".
type ScheduleConfig struct {
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type ReportConfig struct {
	// Color is nil for auto-detect.
	Color     *bool `json:"color,omitempty"`
	ShowTasks bool  `json:"show_tasks,omitempty"`
}

// DebugConfig enables the pprof/status server in watch and cron modes.
// Non-loopback addresses require a token.
type DebugConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
}

// NotifyConfig posts a JSON result to a webhook after builds.
//
// On is one of failure (default), always, change.
type NotifyConfig struct {
	URL         string `json:"url,omitempty"`
	On          string `json:"on,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
}

const (
	DefaultBuildFile   = "build.yaml"
	DefaultStorePath   = "./.buildsched/state"
	DefaultDebounce    = "300ms"
	DefaultStoreDriver = "file"
)

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Build:   BuildConfig{File: DefaultBuildFile},
		Storage: &StorageConfig{Driver: DefaultStoreDriver, Path: DefaultStorePath},
		Watch:   WatchConfig{Debounce: DefaultDebounce},
	}
}

// applyDefaults fills omitted fields in place.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Build.File == "" {
		c.Build.File = DefaultBuildFile
	}
	if c.Storage == nil {
		c.Storage = &StorageConfig{Driver: DefaultStoreDriver, Path: DefaultStorePath}
	}
	if c.Storage.Driver != "" && c.Storage.Driver != "none" && c.Storage.Path == "" {
		c.Storage.Path = DefaultStorePath
	}
	if c.Watch.Debounce == "" {
		c.Watch.Debounce = DefaultDebounce
	}
}

// DeadlockDetectionEnabled resolves the pointer default (true).
func (b BuildConfig) DeadlockDetectionEnabled() bool {
	return b.DeadlockDetection == nil || *b.DeadlockDetection
}
