package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

// Validate checks everything that can be checked without opening resources.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errdefs.Configuration("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "pretty", "json":
	default:
		errs = append(errs, errdefs.Configuration("logging.format: unknown format %q", cfg.Logging.Format))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errdefs.Configuration("logging.file.path: required when file logging is enabled"))
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		errs = append(errs, errdefs.Configuration("workspace.root: required"))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errdefs.Configuration("storage.path: required"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.Relay.MaxLine < 0 {
		errs = append(errs, errdefs.Configuration("relay.max_line: must be >= 0"))
	}
	if cfg.Runs.MaxConcurrent < 0 || cfg.Runs.QueueSize < 0 {
		errs = append(errs, errdefs.Configuration("runs: limits must be >= 0"))
	}
	dur("runs.max_runtime", cfg.Runs.MaxRuntime)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, errdefs.Configuration("scheduler.timezone: unknown zone %q", tz))
		}
	}
	dur("scheduler.job_timeout", cfg.Scheduler.JobTimeout)

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		errs = append(errs, errdefs.Configuration("task_engine: sizes must be >= 0"))
	}
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)

	dur("sync.poll_interval", cfg.Sync.PollInterval)
	dur("sync.event_retention", cfg.Sync.EventRetention)

	if err := validateHTTP(cfg.HTTP); err != nil {
		errs = append(errs, err)
	}
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	if len(errs) == 0 {
		return nil
	}
	return errors.Mark(errors.Join(errs...), errdefs.ErrConfiguration)
}

func validateHTTP(h HTTPConfig) error {
	if h.RunRatePerSec < 0 {
		return errdefs.Configuration("http.run_rate_per_sec: must be >= 0")
	}
	if !h.Enabled {
		return nil
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errdefs.Configuration("http.addr: %v", err)
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		return errdefs.Configuration("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost treats an empty host (all interfaces) as non-loopback.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
