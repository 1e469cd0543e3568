package config

// Config is the canonical (JSON) shape of the service configuration.
// YAML and TOML files are coerced to JSON before decoding, so the json tags
// are the key names for every format.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Workspace  WorkspaceConfig  `json:"workspace"`
	Storage    StorageConfig    `json:"storage"`
	Exec       ExecConfig       `json:"exec"`
	Relay      RelayConfig      `json:"relay"`
	Runs       RunsConfig       `json:"runs"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Sync       SyncConfig       `json:"sync"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "pretty" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WorkspaceConfig locates project trees: <root>/<user email>/<project>/src.
type WorkspaceConfig struct {
	Root string `json:"root"`
}

// StorageConfig controls the sqlite database.
//
// Example:
//
//	"storage": { "path": "./selfsched.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type ExecConfig struct {
	// LibraryPaths are shared module directories. Units loaded from them
	// survive cache eviction.
	LibraryPaths []string `json:"library_paths,omitempty"`
	// MaxSteps bounds interpreter work per invocation. 0 is unlimited.
	MaxSteps     uint64   `json:"max_steps,omitempty"`
	EnvAllowlist []string `json:"env_allowlist,omitempty"`
	DisableWasm  bool     `json:"disable_wasm,omitempty"`
}

type RelayConfig struct {
	// Encoding is a WHATWG label; empty means utf-8.
	Encoding string `json:"encoding,omitempty"`
	MaxLine  int    `json:"max_line,omitempty"`
}

// RunsConfig bounds interactive and scheduled runs.
//
// Defaults: max_concurrent 0 (unbounded), max_runtime "0s" (disabled),
// queue_size 256 lines per stream.
type RunsConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	MaxRuntime    string `json:"max_runtime,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

// SchedulerConfig controls job registration and firing.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone applies to schedules without their own zone. Default UTC.
	Timezone string `json:"timezone,omitempty"`
	// JobTimeout bounds one firing. Default "1h".
	JobTimeout string `json:"job_timeout,omitempty"`
	// ResultMax truncates the stored last_run_result. Default 1000.
	ResultMax int `json:"result_max,omitempty"`
}

// TaskEngineConfig controls the worker pool firings run on.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type SyncConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`   // default "2s"
	EventRetention string `json:"event_retention,omitempty"` // default "24h"
}

// HTTPConfig controls the API server.
//
// Security note:
//   - Prefer binding to localhost (the default is "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`

	// RunRatePerSec throttles run requests; 0 disables the limit.
	RunRatePerSec float64 `json:"run_rate_per_sec,omitempty"`

	// WriteTimeout defaults to 0 so long run streams are not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default is used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Workspace: WorkspaceConfig{Root: "./workspace"},
		Storage:   StorageConfig{Path: "./selfsched.db"},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		HTTP:      HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
	}
}
