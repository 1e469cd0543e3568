package jobs

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// Resolver turns a callable into a run request (project root, file, func).
type Resolver interface {
	ResolveCallable(ctx context.Context, c Callable) (runs.Request, error)
}

// LastRunWriter persists the outcome of a firing.
type LastRunWriter interface {
	UpdateLastRun(ctx context.Context, scheduleID int64, at time.Time, result string) error
}

// Starter is the part of the run supervisor a firing needs.
type Starter interface {
	Start(ctx context.Context, req runs.Request) (*runs.LineStream, error)
}

// Firer is the Runner used in production: resolve, run, log the output at
// debug level and write the summary back to the schedule row.
type Firer struct {
	resolve   Resolver
	runs      Starter
	store     LastRunWriter
	resultMax int
	log       logx.Logger
}

func NewFirer(resolve Resolver, starter Starter, store LastRunWriter, resultMax int, log logx.Logger) *Firer {
	if resultMax <= 0 {
		resultMax = 1000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Firer{resolve: resolve, runs: starter, store: store, resultMax: resultMax, log: log}
}

// StartJob resolves the callable and starts the run. The job timeout in
// ctx becomes the run's own timeout. wait drains the output and records the
// summary.
func (f *Firer) StartJob(ctx context.Context, scheduleID int64, c Callable) (func() error, error) {
	started := time.Now()
	log := f.log.With(logx.Int64("schedule_id", scheduleID))

	req, err := f.resolve.ResolveCallable(ctx, c)
	if err != nil {
		f.record(ctx, log, scheduleID, started, err.Error())
		return nil, err
	}
	req.Source = runs.SourceSchedule
	if dl, ok := ctx.Deadline(); ok {
		req.Timeout = time.Until(dl)
	}
	st, err := f.runs.Start(ctx, req)
	if err != nil {
		f.record(ctx, log, scheduleID, started, err.Error())
		return nil, err
	}
	log = log.With(logx.String("run_id", st.ID()))
	return func() error { return f.wait(ctx, log, scheduleID, started, st) }, nil
}

// RunJob runs one firing to completion.
func (f *Firer) RunJob(ctx context.Context, scheduleID int64, c Callable) error {
	wait, err := f.StartJob(ctx, scheduleID, c)
	if err != nil {
		return err
	}
	return wait()
}

func (f *Firer) wait(ctx context.Context, log logx.Logger, scheduleID int64, started time.Time, st *runs.LineStream) error {
	for {
		l, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			st.Cancel()
			break
		}
		log.Debug("job output", logx.String("line", l.Text), logx.Bool("trace", l.Trace))
	}
	res := st.Result()
	f.record(ctx, log, scheduleID, started, res.Summary())
	if res.Err != nil {
		log.Warn("job run failed", logx.Err(res.Err), logx.Duration("took", res.Duration))
	} else {
		log.Info("job run finished", logx.Duration("took", res.Duration))
	}
	return res.Err
}

func (f *Firer) record(ctx context.Context, log logx.Logger, id int64, at time.Time, summary string) {
	if f.store == nil {
		return
	}
	// the firing context may already be over (timeout, retire)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.store.UpdateLastRun(wctx, id, at, logx.Truncate(summary, f.resultMax)); err != nil {
		log.Debug("last run not recorded", logx.Err(err))
	}
}
