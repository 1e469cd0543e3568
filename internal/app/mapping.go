package app

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/shashfrankenstien/self-scheduler/internal/config"
	"github.com/shashfrankenstien/self-scheduler/internal/execunit"
	"github.com/shashfrankenstien/self-scheduler/internal/httpapi"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/relay"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	"github.com/shashfrankenstien/self-scheduler/internal/task/engine"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// settings is cfg translated into component configs.
type settings struct {
	log     logx.Config
	storage storage.Config
	exec    execunit.Config
	relay   relay.Config
	runs    runs.Config
	engine  engine.Config
	jobs    jobs.Config
	sync    jobs.SyncConfig
	http    httpapi.Config

	resultMax int
}

func mapConfig(cfg *config.Config) (settings, error) {
	var (
		s   settings
		err error
	)
	s.log = logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}

	s.storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if s.storage.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return s, err
	}

	wsRoot, err := filepath.Abs(strings.TrimSpace(cfg.Workspace.Root))
	if err != nil {
		return s, err
	}
	s.exec = execunit.Config{
		WorkspaceRoot: wsRoot,
		LibraryPaths:  cfg.Exec.LibraryPaths,
		MaxSteps:      cfg.Exec.MaxSteps,
		EnvAllowlist:  cfg.Exec.EnvAllowlist,
		DisableWasm:   cfg.Exec.DisableWasm,
	}
	s.relay = relay.Config{Encoding: cfg.Relay.Encoding, MaxLine: cfg.Relay.MaxLine}

	s.runs = runs.Config{MaxConcurrent: cfg.Runs.MaxConcurrent, QueueSize: cfg.Runs.QueueSize}
	if s.runs.MaxRuntime, err = config.ParseDurationField("runs.max_runtime", cfg.Runs.MaxRuntime); err != nil {
		return s, err
	}

	te := cfg.TaskEngine
	s.engine = engine.Config{Workers: te.Workers, QueueSize: te.QueueSize, HistorySize: te.HistorySize}
	if s.engine.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return s, err
	}
	if s.engine.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return s, err
	}

	s.jobs.Timezone = strings.TrimSpace(cfg.Scheduler.Timezone)
	if s.jobs.JobTimeout, err = config.ParseDurationOrDefault("scheduler.job_timeout", cfg.Scheduler.JobTimeout, time.Hour); err != nil {
		return s, err
	}
	if _, err := jobs.LoadTimezone(s.jobs.Timezone, time.UTC); err != nil {
		return s, err
	}
	s.resultMax = cfg.Scheduler.ResultMax

	if s.sync.PollInterval, err = config.ParseDurationOrDefault("sync.poll_interval", cfg.Sync.PollInterval, 2*time.Second); err != nil {
		return s, err
	}
	if s.sync.EventRetention, err = config.ParseDurationOrDefault("sync.event_retention", cfg.Sync.EventRetention, 24*time.Hour); err != nil {
		return s, err
	}

	h := cfg.HTTP
	s.http = httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		RunRatePerSec: h.RunRatePerSec,
	}
	if s.http.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second); err != nil {
		return s, err
	}
	if s.http.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return s, err
	}
	if s.http.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return s, err
	}
	return s, nil
}
