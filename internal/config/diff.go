package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging (never includes the HTTP token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Workspace != newCfg.Workspace {
		changed = append(changed, "workspace")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}
	if !reflect.DeepEqual(oldCfg.Exec, newCfg.Exec) {
		changed = append(changed, "exec")
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
	}
	if oldCfg.Runs != newCfg.Runs {
		changed = append(changed, "runs")
		attrs = append(attrs,
			logx.Int("runs.max_concurrent", newCfg.Runs.MaxConcurrent),
			logx.String("runs.max_runtime", strings.TrimSpace(newCfg.Runs.MaxRuntime)),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.job_timeout", strings.TrimSpace(newCfg.Scheduler.JobTimeout)),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(newCfg.TaskEngine.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(newCfg.TaskEngine.MaxQueueDelay)),
		)
	}
	if oldCfg.Sync != newCfg.Sync {
		changed = append(changed, "sync")
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.token_changed", tokenChanged),
			logx.Any("http.run_rate_per_sec", nh.RunRatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "workspace", "storage", "exec", "relay", "runs", "sync":
			out = append(out, s)
		}
	}
	return out
}
