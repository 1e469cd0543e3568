// Package app wires the components together and owns their lifecycle,
// including hot reload of the config file.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/config"
	"github.com/shashfrankenstien/self-scheduler/internal/core"
	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/execunit"
	"github.com/shashfrankenstien/self-scheduler/internal/httpapi"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/metrics"
	"github.com/shashfrankenstien/self-scheduler/internal/relay"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	"github.com/shashfrankenstien/self-scheduler/internal/runtime/supervisor"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	"github.com/shashfrankenstien/self-scheduler/internal/task/engine"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	runSup  *supervisor.Supervisor
	runs    *runs.Supervisor
	engine  *engine.Service
	reg     *jobs.Registry
	sync    *jobs.Sync
	svc     *core.Service
	metrics *metrics.Collector
	http    *httpapi.Server
}

// New builds every component from cfg without starting background work.
// One-shot CLI commands use the result directly and Close it.
func New(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	s, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(s.log)
	bus := eventbus.New()

	store, err := storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, err
	}
	ws, err := workspace.New(s.exec.WorkspaceRoot)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	rel, err := relay.New(s.relay, logx.Stdout())
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	x := execunit.New(s.exec, execunit.NewCache(), rel, log.With(logx.String("comp", "exec")))

	runSup := supervisor.New(context.Background(),
		supervisor.WithLogger(log.With(logx.String("comp", "runs"))),
		supervisor.WithCancelOnError(false),
	)
	rs := runs.New(s.runs, x, rel, runSup, bus, log.With(logx.String("comp", "runs")))

	eng := engine.New(s.engine, log.With(logx.String("comp", "taskengine")), bus)
	firer := jobs.NewFirer(core.NewResolver(store, ws), rs, store, s.resultMax, log.With(logx.String("comp", "jobs")))
	reg := jobs.New(s.jobs, eng, firer, bus, log.With(logx.String("comp", "jobs")))
	sync := jobs.NewSync(s.sync, store, reg, log.With(logx.String("comp", "sync")))

	met := metrics.New(reg.Len)
	sync.OnSkip = func(int64, error) { met.ReloadSkipped() }

	svc := core.New(store, ws, rs, reg, sync, log)
	httpSrv := httpapi.New(s.http, svc, met.Handler(), log)

	return &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		store:   store,
		runSup:  runSup,
		runs:    rs,
		engine:  eng,
		reg:     reg,
		sync:    sync,
		svc:     svc,
		metrics: met,
		http:    httpSrv,
	}, nil
}

func (a *App) Service() *core.Service { return a.svc }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads the persisted schedules and starts the registry, the HTTP
// server and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.sup.Go0("metrics", func(c context.Context) { a.metrics.Consume(c, a.bus) })
	a.engine.Start(c)

	if a.cfg.Scheduler.Enabled {
		st, err := a.sync.Reload(c)
		if err != nil {
			return errors.Wrap(err, "load schedules")
		}
		a.log.Info("schedules loaded", logx.Int("jobs", st.Registered), logx.Int("skipped", st.Skipped))
		a.reg.Start()
		a.sup.GoRestart("schedule.watch", a.sync.Watch)
	}

	a.http.Start(c)

	if a.cfgm != nil && a.cfgm.Path() != "" {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := mapConfig(cfg)
			return err
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
		a.startReloadLoop()
	}

	a.log.Info("started",
		logx.Bool("scheduler", a.cfg.Scheduler.Enabled),
		logx.Bool("http", a.cfg.HTTP.Enabled),
		logx.Int("jobs", a.reg.Len()),
	)
	return nil
}

// startReloadLoop applies committed config changes. Only logging, the
// scheduler, the task engine and the HTTP server are hot; the rest warn.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config changed", fields...)
	if cold := config.RestartRequired(sections); len(cold) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(cold, ",")))
	}

	s, err := mapConfig(next)
	if err != nil {
		// the validator already ran; this only happens on a race with the file
		a.log.Warn("config not applied", logx.Err(err))
		return
	}
	a.logs.Apply(s.log)
	a.engine.Apply(ctx, s.engine)
	a.reg.Apply(s.jobs)
	a.http.Reconfigure(ctx, s.http)
	a.cfg = next
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "registry", 2*time.Second, func(c context.Context) error { a.reg.Stop(c); return nil })
	a.step(ctx, "runs", 3*time.Second, func(c context.Context) error { return a.runs.Stop(c) })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "runs.supervisor", 1*time.Second, func(c context.Context) error { return a.runSup.Stop(c) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Close releases what New opened. For apps that were never started.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.runs.Stop(ctx)
	_ = a.runSup.Stop(ctx)
	err := a.store.Close()
	a.logs.Close()
	return err
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
