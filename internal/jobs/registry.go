package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/task/engine"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

type Config struct {
	// Timezone applies to schedules without their own zone. Empty means UTC.
	Timezone string
	// JobTimeout bounds one firing. Default 1h.
	JobTimeout time.Duration
}

// Callable identifies what a job runs.
type Callable struct {
	ProjectID    int64 `json:"project_id"`
	EntryPointID int64 `json:"ep_id"`
}

type Definition struct {
	ScheduleID int64
	Every      string
	At         string
	Timezone   string
	Callable   Callable
	Enabled    bool
}

// Runner starts one firing. StartJob returns once the run is under way;
// wait blocks until it has finished and must be called exactly once.
type Runner interface {
	StartJob(ctx context.Context, scheduleID int64, c Callable) (wait func() error, err error)
}

// RunnerFunc runs f on its own goroutine.
type RunnerFunc func(ctx context.Context, scheduleID int64, c Callable) error

func (f RunnerFunc) StartJob(ctx context.Context, scheduleID int64, c Callable) (func() error, error) {
	done := make(chan error, 1)
	go func() { done <- f(ctx, scheduleID, c) }()
	return func() error { return <-done }, nil
}

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// FireInfo is the payload of job.fired events.
type FireInfo struct {
	ScheduleID int64
	Outcome    string
	Duration   time.Duration
	Err        string
}

type JobInfo struct {
	ScheduleID int64     `json:"schedule_id"`
	Every      string    `json:"every"`
	At         string    `json:"at,omitempty"`
	Timezone   string    `json:"tzname,omitempty"`
	Spec       string    `json:"spec"`
	Callable   Callable  `json:"callable"`
	Enabled    bool      `json:"enabled"`
	Running    bool      `json:"running"`
	Next       time.Time `json:"next,omitempty"`
	Prev       time.Time `json:"prev,omitempty"`
}

type job struct {
	def     Definition
	spec    string
	entryID cron.EntryID
	// state covers a queued firing, busy a started one
	state engine.RunState
	busy  atomic.Bool

	enabled atomic.Bool
	retired atomic.Bool

	cmu    sync.Mutex
	cancel context.CancelFunc
}

// begin installs the cancel func of a firing. It reports false when the job
// was retired meanwhile.
func (j *job) begin(cancel context.CancelFunc) bool {
	j.cmu.Lock()
	defer j.cmu.Unlock()
	if j.retired.Load() {
		return false
	}
	j.cancel = cancel
	return true
}

func (j *job) end() {
	j.cmu.Lock()
	j.cancel = nil
	j.cmu.Unlock()
}

func (j *job) retire() {
	j.cmu.Lock()
	j.retired.Store(true)
	cancel := j.cancel
	j.cmu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type Registry struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	started bool
	jobs    map[int64]*job
	// ids whose rows are gone; schedule ids are never reused
	deleted map[int64]struct{}

	// firings run on base, canceled by Stop
	base     context.Context
	stopBase context.CancelFunc
	inflight sync.WaitGroup

	engine *engine.Service
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger

	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time
}

func New(cfg Config, eng *engine.Service, runner Runner, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	r := &Registry{
		cfg:         cfg,
		parser:      cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:        map[int64]*job{},
		deleted:     map[int64]struct{}{},
		engine:      eng,
		runner:      runner,
		bus:         bus,
		log:         log,
		lastEnqWarn: map[int64]time.Time{},
	}
	r.loc = r.loadLocation(cfg.Timezone)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	return r
}

func (r *Registry) loadLocation(tz string) *time.Location {
	loc, err := LoadTimezone(tz, time.UTC)
	if err != nil {
		r.log.Warn("invalid scheduler timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Register adds a job for def. It fails with DuplicateJob when the schedule
// id is already registered, NotFound when its row was deleted and a
// ConfigurationError for a bad rule.
func (r *Registry) Register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deleted[def.ScheduleID]; ok {
		return errdefs.NotFound("schedule %d was deleted", def.ScheduleID)
	}
	if _, ok := r.jobs[def.ScheduleID]; ok {
		return errdefs.DuplicateJob(def.ScheduleID)
	}
	j := &job{def: def}
	if err := r.scheduleLocked(j); err != nil {
		return err
	}
	j.enabled.Store(def.Enabled)
	r.jobs[def.ScheduleID] = j

	fields := []logx.Field{logx.Int64("schedule_id", def.ScheduleID), logx.String("spec", j.spec), logx.Bool("enabled", def.Enabled)}
	if r.started {
		if e := r.c.Entry(j.entryID); !e.Next.IsZero() {
			fields = append(fields, logx.Time("next", e.Next))
		}
	}
	r.log.Debug("job registered", fields...)
	eventbus.Publish(r.bus, eventbus.JobRegistered, def.ScheduleID)
	return nil
}

// scheduleLocked computes j.spec and adds the cron entry. Call with r.mu held.
func (r *Registry) scheduleLocked(j *job) error {
	spec, err := CronSpec(j.def.Every, j.def.At)
	if err != nil {
		return err
	}
	loc, err := LoadTimezone(j.def.Timezone, r.loc)
	if err != nil {
		return err
	}
	full := withTimezone(spec, loc)
	sched, err := r.parser.Parse(full)
	if err != nil {
		return errdefs.Configuration("schedule %d: %v", j.def.ScheduleID, err)
	}
	j.spec = full
	j.entryID = r.c.Schedule(sched, cron.FuncJob(func() { r.trigger(j) }))
	return nil
}

// trigger runs on the cron goroutine and must not block. The engine task
// only starts the run; the worker is free again once user code is running.
func (r *Registry) trigger(j *job) {
	id := j.def.ScheduleID
	if j.retired.Load() {
		return
	}
	if !j.enabled.Load() {
		eventbus.Publish(r.bus, eventbus.JobFired, FireInfo{ScheduleID: id, Outcome: OutcomeSkipped})
		return
	}
	if j.busy.Load() {
		eventbus.Publish(r.bus, eventbus.JobFired, FireInfo{ScheduleID: id, Outcome: OutcomeSkipped, Err: engine.ErrOverlapSkip.Error()})
		r.reportEnqueueError(id, engine.ErrOverlapSkip)
		return
	}
	if r.engine == nil {
		return
	}

	err := r.engine.Enqueue(engine.Task{
		Name:    fmt.Sprintf("schedule:%d", id),
		Overlap: engine.OverlapSkipIfRunning,
		State:   &j.state,
		Run:     func(context.Context) error { return r.dispatch(j) },
	})
	if err != nil {
		eventbus.Publish(r.bus, eventbus.JobFired, FireInfo{ScheduleID: id, Outcome: OutcomeSkipped, Err: err.Error()})
		r.reportEnqueueError(id, err)
	}
}

// dispatch starts one firing bounded by the job timeout and waits for it on
// a separate goroutine.
func (r *Registry) dispatch(j *job) error {
	id := j.def.ScheduleID
	r.mu.Lock()
	base, timeout := r.base, r.cfg.JobTimeout
	if base == nil {
		r.mu.Unlock()
		return nil
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	if !j.busy.CompareAndSwap(false, true) {
		r.inflight.Done()
		return engine.ErrOverlapSkip
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	// a firing queued before Retire does nothing
	if !j.begin(cancel) {
		cancel()
		j.busy.Store(false)
		r.inflight.Done()
		return nil
	}

	start := time.Now()
	wait, err := r.runner.StartJob(ctx, id, j.def.Callable)
	if err != nil {
		r.finish(j, start, err, cancel)
		r.inflight.Done()
		return err
	}
	go func() {
		defer r.inflight.Done()
		r.finish(j, start, wait(), cancel)
	}()
	return nil
}

func (r *Registry) finish(j *job, start time.Time, err error, cancel context.CancelFunc) {
	cancel()
	j.end()
	j.busy.Store(false)

	info := FireInfo{ScheduleID: j.def.ScheduleID, Outcome: OutcomeOK, Duration: time.Since(start)}
	if err != nil {
		info.Outcome = OutcomeError
		info.Err = err.Error()
	}
	eventbus.Publish(r.bus, eventbus.JobFired, info)
}

// Retire removes the job for id, stops its timer and cancels an in-flight
// firing. It reports whether a job existed; retiring a missing id is a no-op.
func (r *Registry) Retire(id int64) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if ok {
		r.c.Remove(j.entryID)
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	j.retire()
	r.enqMu.Lock()
	delete(r.lastEnqWarn, id)
	r.enqMu.Unlock()

	r.log.Debug("job retired", logx.Int64("schedule_id", id))
	eventbus.Publish(r.bus, eventbus.JobRetired, id)
	return true
}

// Delete retires id for good: its row is gone, so a Register racing with the
// delete cannot bring the job back.
func (r *Registry) Delete(id int64) bool {
	r.mu.Lock()
	r.deleted[id] = struct{}{}
	r.mu.Unlock()
	return r.Retire(id)
}

// SetEnabled toggles a job. Disabled jobs keep their timer and skip firings.
func (r *Registry) SetEnabled(id int64, enabled bool) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return errdefs.NotFound("job %d not found", id)
	}
	j.enabled.Store(enabled)
	return nil
}

func (r *Registry) Get(id int64) (JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return r.infoLocked(j), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// IDs returns the registered schedule ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.jobs))
	for id := range r.jobs {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, r.infoLocked(j))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

func (r *Registry) infoLocked(j *job) JobInfo {
	info := JobInfo{
		ScheduleID: j.def.ScheduleID,
		Every:      j.def.Every,
		At:         j.def.At,
		Timezone:   j.def.Timezone,
		Spec:       j.spec,
		Callable:   j.def.Callable,
		Enabled:    j.enabled.Load(),
		Running:    j.busy.Load() || j.state.Busy(),
	}
	if r.started {
		e := r.c.Entry(j.entryID)
		info.Next, info.Prev = e.Next, e.Prev
	}
	return info
}

// Apply swaps the config. Jobs without their own timezone are rescheduled
// when the default zone changes.
func (r *Registry) Apply(cfg Config) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	r.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) == oldTZ {
		return
	}
	r.loc = r.loadLocation(cfg.Timezone)
	moved := 0
	for _, j := range r.jobs {
		if strings.TrimSpace(j.def.Timezone) != "" {
			continue
		}
		r.c.Remove(j.entryID)
		if err := r.scheduleLocked(j); err != nil {
			r.log.Error("job reschedule failed", logx.Int64("schedule_id", j.def.ScheduleID), logx.Err(err))
			continue
		}
		moved++
	}
	r.log.Info("scheduler timezone changed", logx.String("tz", r.loc.String()), logx.Int("rescheduled", moved))
}

// Start begins triggering. It is idempotent.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.base, r.stopBase = context.WithCancel(context.Background())
	r.c.Start()
	r.started = true
	r.log.Info("job registry started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
}

// Stop halts triggering, cancels running firings and waits for them
// within ctx. Queued firings left in the engine do nothing.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopped := r.c.Stop()
	r.stopBase()
	r.base, r.stopBase = nil, nil
	r.mu.Unlock()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("job registry stop: firings still running", logx.Err(ctx.Err()))
	}
	r.log.Info("job registry stopped")
}
