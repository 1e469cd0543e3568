// Package metrics exposes run and job counters for Prometheus.
//
// The collector owns a private registry and is fed from the event bus, so
// the engine packages do not import Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
)

const namespace = "selfsched"

type Collector struct {
	reg *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsActive   prometheus.Gauge
	jobFirings   *prometheus.CounterVec
	jobsRetired  prometheus.Counter
	reloadSkips  prometheus.Counter
	tasksDropped prometheus.Counter
}

// New builds the collector. jobCount, when set, backs the registered jobs gauge.
func New(jobCount func() int) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by source (manual or schedule).",
		}, []string{"source"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished, by source and outcome.",
		}, []string{"source", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
		}, []string{"source"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs in flight.",
		}),
		jobFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_firings_total",
			Help:      "Timer firings, by outcome (ok, error, skipped).",
		}, []string{"outcome"}),
		jobsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retired_total",
			Help:      "Jobs retired after their schedule was deleted.",
		}),
		reloadSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_skipped_rows_total",
			Help:      "Schedule rows that could not be registered.",
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dropped_total",
			Help:      "Firings dropped by the task engine (queue full or stale).",
		}),
	}
	c.reg.MustRegister(
		c.runsStarted, c.runsFinished, c.runDuration, c.runsActive,
		c.jobFirings, c.jobsRetired, c.reloadSkips, c.tasksDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if jobCount != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Jobs currently held by the registry.",
		}, func() float64 { return float64(jobCount()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// ReloadSkipped counts one schedule row Reload could not register.
func (c *Collector) ReloadSkipped() { c.reloadSkips.Inc() }

// Observe applies one bus event.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.RunStarted:
		if info, ok := ev.Data.(runs.RunInfo); ok {
			c.runsStarted.WithLabelValues(info.Source).Inc()
			c.runsActive.Inc()
		}
	case eventbus.RunFinished:
		info, ok := ev.Data.(runs.RunInfo)
		if !ok {
			return
		}
		c.runsActive.Dec()
		outcome := "ok"
		if info.Result != nil {
			if info.Result.Err != nil {
				outcome = "error"
			}
			c.runDuration.WithLabelValues(info.Source).Observe(info.Result.Duration.Seconds())
		}
		c.runsFinished.WithLabelValues(info.Source, outcome).Inc()
	case eventbus.JobFired:
		if fi, ok := ev.Data.(jobs.FireInfo); ok {
			c.jobFirings.WithLabelValues(fi.Outcome).Inc()
		}
	case eventbus.JobRetired:
		c.jobsRetired.Inc()
	case eventbus.TaskDropped:
		c.tasksDropped.Inc()
	}
}

// Consume feeds the collector from bus until ctx ends.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}
