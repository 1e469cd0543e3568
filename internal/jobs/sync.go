package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// Source is what Sync reads from the store.
type Source interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
	ListProjectsFor(ctx context.Context, userID int64) ([]storage.Project, error)
	ListEntryPointsFor(ctx context.Context, projectID int64) ([]storage.EntryPoint, error)
	ListScheduleRecordsFor(ctx context.Context, epID int64) ([]storage.ScheduleRecord, error)
	GetSchedule(ctx context.Context, id int64) (storage.ScheduleRecord, error)
	OnScheduleDeleted(h storage.DeleteHook)
	ScheduleEventsAfter(ctx context.Context, after int64, limit int) ([]storage.ScheduleEvent, error)
	LatestEventSeq(ctx context.Context) (int64, error)
	PruneScheduleEvents(ctx context.Context, before time.Time) (int64, error)
}

type SyncConfig struct {
	PollInterval   time.Duration
	EventRetention time.Duration
}

// ReloadStats counts the outcome of one Reload.
type ReloadStats struct {
	Registered int
	Existing   int
	Skipped    int
}

type Sync struct {
	cfg SyncConfig
	src Source
	reg *Registry
	log logx.Logger

	// OnSkip is called for every row Reload could not register.
	OnSkip func(scheduleID int64, err error)

	mu        sync.Mutex
	lastSeq   int64
	lastPrune time.Time
}

// NewSync wires reg to src. It installs the delete hook right away so no
// delete committed after this call can leave a job behind.
func NewSync(cfg SyncConfig, src Source, reg *Registry, log logx.Logger) *Sync {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sync{cfg: cfg, src: src, reg: reg, log: log}
	src.OnScheduleDeleted(s.retire)
	return s
}

func (s *Sync) retire(ids []int64) {
	for _, id := range ids {
		s.reg.Delete(id)
	}
}

// DefinitionOf maps a persisted schedule row to a job definition.
func DefinitionOf(r storage.ScheduleRecord) Definition {
	return Definition{
		ScheduleID: r.ID,
		Every:      r.Every,
		At:         r.At,
		Timezone:   r.Timezone,
		Callable:   Callable{ProjectID: r.ProjectID, EntryPointID: r.EntryPointID},
		Enabled:    r.Enabled,
	}
}

// Reload registers a job for every persisted schedule. Rows that fail are
// logged and skipped; ids already registered are left alone.
func (s *Sync) Reload(ctx context.Context) (ReloadStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ReloadStats
	// remember where the event log stands so Watch only sees newer changes
	seq, err := s.src.LatestEventSeq(ctx)
	if err != nil {
		return st, err
	}
	users, err := s.src.ListUsers(ctx)
	if err != nil {
		return st, err
	}
	for _, u := range users {
		projects, err := s.src.ListProjectsFor(ctx, u.ID)
		if err != nil {
			return st, err
		}
		for _, p := range projects {
			eps, err := s.src.ListEntryPointsFor(ctx, p.ID)
			if err != nil {
				return st, err
			}
			for _, ep := range eps {
				recs, err := s.src.ListScheduleRecordsFor(ctx, ep.ID)
				if err != nil {
					return st, err
				}
				for _, r := range recs {
					s.register(r, &st)
				}
			}
		}
	}
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.log.Info("schedules reloaded", logx.Int("registered", st.Registered), logx.Int("existing", st.Existing), logx.Int("skipped", st.Skipped))
	return st, nil
}

func (s *Sync) register(r storage.ScheduleRecord, st *ReloadStats) {
	err := s.reg.Register(DefinitionOf(r))
	switch {
	case err == nil:
		st.Registered++
	case errdefs.IsDuplicate(err):
		st.Existing++
		if e := s.reg.SetEnabled(r.ID, r.Enabled); e != nil {
			s.log.Debug("job vanished during reload", logx.Int64("schedule_id", r.ID))
		}
	case errdefs.IsNotFound(err):
		s.log.Debug("schedule deleted during sync", logx.Int64("schedule_id", r.ID))
	default:
		st.Skipped++
		s.log.Warn("schedule skipped", logx.Int64("schedule_id", r.ID), logx.String("every", r.Every), logx.String("at", r.At), logx.String("tz", r.Timezone), logx.Err(err))
		if s.OnSkip != nil {
			s.OnSkip(r.ID, err)
		}
	}
}

// Watch follows the schedule_events log until ctx ends.
func (s *Sync) Watch(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("schedule event poll failed", logx.Err(err))
		}
	}
}

// Poll applies every event newer than the last one seen. Applying an event
// twice is harmless, so it is safe alongside the local delete hook.
func (s *Sync) Poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		evs, err := s.src.ScheduleEventsAfter(ctx, s.lastSeq, 500)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			s.apply(ctx, ev)
			s.lastSeq = ev.Seq
		}
		if len(evs) < 500 {
			break
		}
	}
	if time.Since(s.lastPrune) >= time.Hour {
		s.lastPrune = time.Now()
		n, err := s.src.PruneScheduleEvents(ctx, time.Now().Add(-s.cfg.EventRetention))
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Debug("schedule events pruned", logx.Int64("count", n))
		}
	}
	return nil
}

func (s *Sync) apply(ctx context.Context, ev storage.ScheduleEvent) {
	switch ev.Kind {
	case storage.EventDeleted:
		s.reg.Delete(ev.ScheduleID)
	case storage.EventCreated, storage.EventUpdated:
		r, err := s.src.GetSchedule(ctx, ev.ScheduleID)
		if errdefs.IsNotFound(err) {
			// deleted since; its own event follows
			return
		}
		if err != nil {
			s.log.Warn("schedule event not applied", logx.Int64("schedule_id", ev.ScheduleID), logx.String("kind", ev.Kind), logx.Err(err))
			return
		}
		var st ReloadStats
		s.register(r, &st)
	}
}
