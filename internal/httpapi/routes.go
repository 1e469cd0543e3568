package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/jobs"
	"github.com/shashfrankenstien/self-scheduler/internal/runs"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
	"github.com/shashfrankenstien/self-scheduler/internal/workspace"
	"github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

// Backend is what the routes need from the service facade.
type Backend interface {
	RunNow(ctx context.Context, projectID, entryPointID int64) (*runs.LineStream, error)
	Sessions() []runs.Session
	CancelRun(id string) bool
	Jobs() []jobs.JobInfo

	ScheduleCreate(ctx context.Context, ns storage.NewSchedule) (storage.ScheduleRecord, error)
	ScheduleDelete(ctx context.Context, id int64) error
	ScheduleSetEnabled(ctx context.Context, id int64, enabled bool) error
	Schedules(ctx context.Context) ([]storage.ScheduleRecord, error)
	Reload(ctx context.Context) (jobs.ReloadStats, error)

	DeleteProject(ctx context.Context, id int64) error
	DeleteEntryPoint(ctx context.Context, id int64) error
	ProjectFiles(ctx context.Context, id int64) ([]workspace.Node, error)
}

func (s *Server) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.met != nil {
		mux.Handle("GET /metrics", s.met)
	}

	mux.HandleFunc("POST /api/projects/{pid}/run", s.runChunked)
	mux.HandleFunc("GET /api/projects/{pid}/run/ws", s.runWebsocket)
	mux.HandleFunc("GET /api/projects/{pid}/files", s.projectFiles)
	mux.HandleFunc("DELETE /api/projects/{pid}", s.deleteProject)
	mux.HandleFunc("DELETE /api/entry-points/{id}", s.deleteEntryPoint)
	mux.HandleFunc("POST /api/entry-points/{id}/schedules", s.createSchedule)

	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/enable", s.setEnabled(true))
	mux.HandleFunc("POST /api/schedules/{id}/disable", s.setEnabled(false))
	mux.HandleFunc("POST /api/reload", s.reload)

	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("DELETE /api/runs/{id}", s.cancelRun)
	mux.HandleFunc("GET /api/jobs", s.listJobs)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsDuplicate(err):
		return http.StatusConflict
	case errdefs.IsConfiguration(err):
		return http.StatusBadRequest
	case errdefs.IsBusy(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errdefs.Configuration("invalid %s %q", name, raw)
	}
	return id, nil
}

// entryPointParam reads ?ep=; missing means the default entry point.
func entryPointParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("ep"))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errdefs.Configuration("invalid ep %q", raw)
	}
	return id, nil
}

func (s *Server) projectFiles(w http.ResponseWriter, r *http.Request) {
	pid, err := pathID(r, "pid")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	nodes, err := s.be.ProjectFiles(r.Context(), pid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	s.deleteBy(w, r, "pid", s.be.DeleteProject)
}

func (s *Server) deleteEntryPoint(w http.ResponseWriter, r *http.Request) {
	s.deleteBy(w, r, "id", s.be.DeleteEntryPoint)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	s.deleteBy(w, r, "id", s.be.ScheduleDelete)
}

func (s *Server) deleteBy(w http.ResponseWriter, r *http.Request, param string, del func(context.Context, int64) error) {
	id, err := pathID(r, param)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := del(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleBody struct {
	Every    string `json:"every"`
	At       string `json:"at"`
	Timezone string `json:"tzname"`
	Enabled  *bool  `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	epID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body scheduleBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.fail(w, r, errdefs.Configuration("invalid schedule body: %v", err))
		return
	}
	ns := storage.NewSchedule{
		EntryPointID: epID,
		Every:        body.Every,
		At:           body.At,
		Timezone:     body.Timezone,
		Enabled:      body.Enabled == nil || *body.Enabled,
	}
	rec, err := s.be.ScheduleCreate(r.Context(), ns)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	recs, err := s.be.Schedules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []storage.ScheduleRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.be.ScheduleSetEnabled(r.Context(), id, enabled); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	st, err := s.be.Reload(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"registered": st.Registered,
		"existing":   st.Existing,
		"skipped":    st.Skipped,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	sessions := s.be.Sessions()
	if sessions == nil {
		sessions = []runs.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.be.CancelRun(id) {
		s.fail(w, r, errdefs.NotFound("run %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	infos := s.be.Jobs()
	if infos == nil {
		infos = []jobs.JobInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}
