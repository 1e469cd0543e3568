// Package core is the facade the HTTP API and the CLI talk to. It ties the
// store, the workspace, the run supervisor and the job registry together.
package core

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

type Service struct {
	store *storage.Store
	ws    *workspace.Workspace
	res   *Resolver
	runs  *runs.Supervisor
	reg   *jobs.Registry
	sync  *jobs.Sync
	log   logx.Logger
}

func New(store *storage.Store, ws *workspace.Workspace, rs *runs.Supervisor, reg *jobs.Registry, sync *jobs.Sync, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, ws: ws, res: NewResolver(store, ws), runs: rs, reg: reg, sync: sync, log: log.With(logx.String("comp", "core"))}
}

func (s *Service) Store() *storage.Store          { return s.store }
func (s *Service) Workspace() *workspace.Workspace { return s.ws }
func (s *Service) Runs() *runs.Supervisor          { return s.runs }
func (s *Service) Registry() *jobs.Registry        { return s.reg }

// Resolver maps callables onto project directories. Timer firings use it
// directly, so it does not depend on the registry.
type Resolver struct {
	store *storage.Store
	ws    *workspace.Workspace
}

func NewResolver(store *storage.Store, ws *workspace.Workspace) *Resolver {
	return &Resolver{store: store, ws: ws}
}

// ResolveCallable turns a project/entry point pair into a run request.
// The entry point must belong to the project.
func (r *Resolver) ResolveCallable(ctx context.Context, c jobs.Callable) (runs.Request, error) {
	ep, err := r.store.GetEntryPoint(ctx, c.EntryPointID)
	if err != nil {
		return runs.Request{}, err
	}
	if ep.ProjectID != c.ProjectID {
		return runs.Request{}, errdefs.NotFound("entry point %d not found in project %d", c.EntryPointID, c.ProjectID)
	}
	return r.request(ctx, ep)
}

func (r *Resolver) request(ctx context.Context, ep storage.EntryPoint) (runs.Request, error) {
	p, err := r.store.GetProject(ctx, ep.ProjectID)
	if err != nil {
		return runs.Request{}, err
	}
	root, err := r.ws.ProjectRoot(p.OwnerEmail, p.Name)
	if err != nil {
		return runs.Request{}, err
	}
	return runs.Request{
		ProjectRoot: root,
		EntryFile:   ep.File,
		EntryFunc:   ep.Func,
		Label:       fmt.Sprintf("%s/%s:%s", p.Name, ep.File, ep.Func),
	}, nil
}

// RunNow starts an interactive run. entryPointID 0 picks the project's
// default entry point.
func (s *Service) RunNow(ctx context.Context, projectID, entryPointID int64) (*runs.LineStream, error) {
	var (
		ep  storage.EntryPoint
		err error
	)
	if entryPointID == 0 {
		ep, err = s.store.DefaultEntryPoint(ctx, projectID)
	} else {
		ep, err = s.store.GetEntryPoint(ctx, entryPointID)
		if err == nil && ep.ProjectID != projectID {
			err = errdefs.NotFound("entry point %d not found in project %d", entryPointID, projectID)
		}
	}
	if err != nil {
		return nil, err
	}
	req, err := s.res.request(ctx, ep)
	if err != nil {
		return nil, err
	}
	req.Source = runs.SourceManual
	return s.runs.Start(ctx, req)
}

// ScheduleCreate persists a schedule and registers its job. A rule the
// registry rejects removes the row again.
func (s *Service) ScheduleCreate(ctx context.Context, ns storage.NewSchedule) (storage.ScheduleRecord, error) {
	if _, err := jobs.CronSpec(ns.Every, ns.At); err != nil {
		return storage.ScheduleRecord{}, err
	}
	rec, err := s.store.CreateSchedule(ctx, ns)
	if err != nil {
		return storage.ScheduleRecord{}, err
	}
	err = s.reg.Register(jobs.DefinitionOf(rec))
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrDuplicateJob):
		// the event poll got there first
	case errdefs.IsNotFound(err):
		// deleted before the job was registered
		return storage.ScheduleRecord{}, err
	default:
		if derr := s.store.DeleteSchedule(context.WithoutCancel(ctx), rec.ID); derr != nil {
			s.log.Warn("rollback of rejected schedule failed", logx.Int64("schedule_id", rec.ID), logx.Err(derr))
		}
		return storage.ScheduleRecord{}, err
	}
	s.log.Info("schedule created", logx.Int64("schedule_id", rec.ID), logx.String("every", rec.Every), logx.String("at", rec.At), logx.String("tz", rec.Timezone))
	return rec, nil
}

// ScheduleDelete removes the row; the store's delete hook retires the job
// before this returns.
func (s *Service) ScheduleDelete(ctx context.Context, id int64) error {
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Service) ScheduleSetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if err := s.reg.SetEnabled(id, enabled); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Service) Schedules(ctx context.Context) ([]storage.ScheduleRecord, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Service) Reload(ctx context.Context) (jobs.ReloadStats, error) {
	return s.sync.Reload(ctx)
}

func (s *Service) Sessions() []runs.Session { return s.runs.Sessions() }

func (s *Service) CancelRun(id string) bool { return s.runs.Cancel(id) }

func (s *Service) Jobs() []jobs.JobInfo { return s.reg.Snapshot() }
