// Package runs executes one entry point per session on its own goroutine
// and exposes the output as a line stream that ends with an end marker.
package runs

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/execunit"
	"github.com/shashfrankenstien/self-scheduler/internal/relay"
	"github.com/shashfrankenstien/self-scheduler/internal/runtime/supervisor"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// Invoker is the part of the execution layer a run needs.
type Invoker interface {
	Invoke(ctx context.Context, req execunit.Request) (execunit.Result, error)
}

type Config struct {
	// MaxConcurrent caps in-flight sessions; 0 means unlimited.
	MaxConcurrent int
	// MaxRuntime bounds a run unless the request sets its own timeout.
	MaxRuntime time.Duration
	// QueueSize is the line buffer of one stream.
	QueueSize int
}

const (
	SourceManual   = "manual"
	SourceSchedule = "schedule"
)

type Request struct {
	ProjectRoot string
	EntryFile   string
	EntryFunc   string
	// Source is SourceManual or SourceSchedule.
	Source string
	// Label is a human readable name for listings ("demo/main.py:main").
	Label string
	// Timeout overrides Config.MaxRuntime when > 0.
	Timeout time.Duration
}

// Result is carried by the end marker.
type Result struct {
	RunID    string
	Value    string
	Err      error
	Started  time.Time
	Duration time.Duration
	// Dropped counts lines discarded after the consumer went away.
	Dropped int64
}

func (r Result) OK() bool { return r.Err == nil }

// Summary renders the outcome as "ok", "ok: <value>" or the error text.
// Execution errors use their redacted trace when one exists.
func (r Result) Summary() string {
	if r.Err == nil {
		if r.Value == "" {
			return "ok"
		}
		return "ok: " + r.Value
	}
	if ee, ok := errdefs.AsExecution(r.Err); ok && strings.TrimSpace(ee.Trace) != "" {
		return ee.Trace
	}
	return r.Err.Error()
}

// Session describes an in-flight run.
type Session struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Label     string    `json:"label,omitempty"`
	EntryFile string    `json:"entry_file"`
	EntryFunc string    `json:"entry_func"`
	StartedAt time.Time `json:"started_at"`
}

// RunInfo is the payload of run.* events.
type RunInfo struct {
	Session
	Result *Result `json:"-"`
}

type session struct {
	info   Session
	stream *LineStream
}

type Supervisor struct {
	cfg   Config
	inv   Invoker
	relay *relay.Relay
	sup   *supervisor.Supervisor
	bus   eventbus.Bus
	log   logx.Logger

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

func New(cfg Config, inv Invoker, r *relay.Relay, sup *supervisor.Supervisor, bus eventbus.Bus, log logx.Logger) *Supervisor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if sup == nil {
		sup = supervisor.New(context.Background())
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:      cfg,
		inv:      inv,
		relay:    r,
		sup:      sup,
		bus:      bus,
		log:      log,
		sessions: map[string]*session{},
	}
}

// Start validates the request synchronously and launches the run.
// The returned stream must be drained or cancelled.
func (s *Supervisor) Start(ctx context.Context, req Request) (*LineStream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := workspace.ResolveEntryFile(req.ProjectRoot, req.EntryFile); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.EntryFunc) == "" {
		return nil, errdefs.NotFound("entry function not set")
	}
	if req.Source == "" {
		req.Source = SourceManual
	}

	id := uuid.NewString()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.MaxRuntime
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	stopOnShutdown := context.AfterFunc(s.sup.Context(), cancel)

	st := newStream(id, s.cfg.QueueSize, cancel)
	sess := &session{
		info: Session{
			ID:        id,
			Source:    req.Source,
			Label:     req.Label,
			EntryFile: req.EntryFile,
			EntryFunc: req.EntryFunc,
			StartedAt: time.Now(),
		},
		stream: st,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		stopOnShutdown()
		cancel()
		return nil, errors.Mark(errors.New("run supervisor stopped"), errdefs.ErrBusy)
	}
	if s.cfg.MaxConcurrent > 0 && len(s.sessions) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		stopOnShutdown()
		cancel()
		return nil, errors.Wrapf(errdefs.ErrBusy, "%d runs in flight", s.cfg.MaxConcurrent)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	if err := s.relayRegister(id, st); err != nil {
		s.forget(id)
		stopOnShutdown()
		cancel()
		return nil, err
	}

	eventbus.Publish(s.bus, eventbus.RunStarted, RunInfo{Session: sess.info})
	s.log.Debug("run started", logx.String("run_id", id), logx.String("source", req.Source), logx.String("label", req.Label))

	s.sup.Go0("run", func(context.Context) {
		defer stopOnShutdown()
		defer cancel()
		s.work(runCtx, sess, req)
	})
	return st, nil
}

func (s *Supervisor) relayRegister(id string, st *LineStream) error {
	if s.relay == nil {
		return nil
	}
	return s.relay.Register(id, func(line string, _ bool) { st.push(Line{Text: line}) })
}

func (s *Supervisor) work(ctx context.Context, sess *session, req Request) {
	st := sess.stream
	res := Result{RunID: sess.info.ID, Started: sess.info.StartedAt}

	func() {
		defer func() {
			if s.relay != nil {
				s.relay.Unregister(sess.info.ID)
			}
		}()
		out, err := s.inv.Invoke(ctx, execunit.Request{
			CallID:      sess.info.ID,
			ProjectRoot: req.ProjectRoot,
			EntryFile:   req.EntryFile,
			EntryFunc:   req.EntryFunc,
		})
		res.Value = out.Value
		res.Err = err
	}()

	if ee, ok := errdefs.AsExecution(res.Err); ok {
		trace := ee.Trace
		if strings.TrimSpace(trace) == "" {
			trace = ee.Msg
		}
		for _, l := range strings.Split(strings.TrimRight(trace, "\n"), "\n") {
			st.push(Line{Text: l, Trace: true})
		}
	}
	res.Duration = time.Since(res.Started)
	res.Dropped = st.dropped.Load()

	s.forget(sess.info.ID)
	st.finish(res)

	lf := []logx.Field{logx.String("run_id", res.RunID), logx.String("source", req.Source), logx.Duration("took", res.Duration)}
	if res.Err != nil {
		s.log.Debug("run failed", append(lf, logx.Err(res.Err))...)
	} else {
		s.log.Debug("run finished", lf...)
	}
	eventbus.Publish(s.bus, eventbus.RunFinished, RunInfo{Session: sess.info, Result: &res})
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Run drains a stream for callers that do not stream.
func (s *Supervisor) Run(ctx context.Context, req Request) ([]string, Result, error) {
	st, err := s.Start(ctx, req)
	if err != nil {
		return nil, Result{}, err
	}
	var lines []string
	for {
		l, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			res := st.Result()
			return lines, res, res.Err
		}
		if err != nil {
			st.Cancel()
			return lines, Result{}, err
		}
		lines = append(lines, l.Text)
	}
}

// Sessions lists in-flight runs ordered by start time.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss.info)
	}
	s.mu.Unlock()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.Before(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Cancel interrupts one run. It reports false when id is not in flight.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	ss := s.sessions[id]
	s.mu.Unlock()
	if ss == nil {
		return false
	}
	ss.stream.cancelRun()
	return true
}

// Stop refuses new runs, cancels every session and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	all := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		all = append(all, ss)
	}
	s.mu.Unlock()
	for _, ss := range all {
		ss.stream.Cancel()
	}

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
