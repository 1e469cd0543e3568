package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "inventory.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type seeded struct {
	user    User
	project Project
	ep      EntryPoint
}

func seed(t *testing.T, st *Store) seeded {
	t.Helper()
	ctx := context.Background()
	u, err := st.CreateUser(ctx, "me@example.com", "Me")
	require.NoError(t, err)
	p, err := st.CreateProject(ctx, u.ID, "demo")
	require.NoError(t, err)
	ep, err := st.CreateEntryPoint(ctx, p.ID, "main.py", "main", false)
	require.NoError(t, err)
	return seeded{user: u, project: p, ep: ep}
}

// hookRecorder collects the ids handed to OnScheduleDeleted.
type hookRecorder struct {
	mu    sync.Mutex
	calls [][]int64
}

func (h *hookRecorder) hook(ids []int64) {
	h.mu.Lock()
	h.calls = append(h.calls, append([]int64(nil), ids...))
	h.mu.Unlock()
}

func (h *hookRecorder) all() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for _, c := range h.calls {
		out = append(out, c...)
	}
	return out
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "db.sqlite")
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Path: path}, logx.Nop())
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}
}

func TestUserAndProjectCRUD(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)

	assert.Equal(t, "me@example.com", s.project.OwnerEmail)

	_, err := st.CreateUser(ctx, "me@example.com", "")
	assert.True(t, errdefs.IsDuplicate(err))
	_, err = st.CreateUser(ctx, "nope", "")
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = st.CreateProject(ctx, s.user.ID, "demo")
	assert.True(t, errdefs.IsDuplicate(err))
	_, err = st.CreateProject(ctx, 999, "x")
	assert.True(t, errdefs.IsNotFound(err), "got %v", err)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)

	projects, err := st.ListProjectsFor(ctx, s.user.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].Name)

	_, err = st.GetProject(ctx, 999)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDefaultEntryPoint(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)

	require.True(t, s.ep.IsDefault, "first entry point becomes the default")

	other, err := st.CreateEntryPoint(ctx, s.project.ID, "jobs/report.py", "run", false)
	require.NoError(t, err)
	assert.False(t, other.IsDefault)

	def, err := st.DefaultEntryPoint(ctx, s.project.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ep.ID, def.ID)

	require.NoError(t, st.SetDefaultEntryPoint(ctx, s.project.ID, other.ID))
	def, err = st.DefaultEntryPoint(ctx, s.project.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, def.ID)

	third, err := st.CreateEntryPoint(ctx, s.project.ID, "x.py", "y", true)
	require.NoError(t, err)
	assert.True(t, third.IsDefault)

	eps, err := st.ListEntryPointsFor(ctx, s.project.ID)
	require.NoError(t, err)
	defaults := 0
	for _, e := range eps {
		if e.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)

	_, err = st.CreateEntryPoint(ctx, s.project.ID, "main.py", "main", false)
	assert.True(t, errdefs.IsDuplicate(err))
	assert.True(t, errdefs.IsNotFound(st.SetDefaultEntryPoint(ctx, s.project.ID+1, other.ID)))
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)

	rec, err := st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "Day", At: "08:00", Timezone: "UTC"})
	require.NoError(t, err)
	assert.Equal(t, "day", rec.Every)
	assert.Equal(t, s.project.ID, rec.ProjectID)
	assert.False(t, rec.Enabled)

	_, err = st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "day", At: "08:00", Timezone: "UTC"})
	require.True(t, errors.Is(err, errdefs.ErrDuplicateSchedule))
	assert.True(t, errdefs.IsDuplicate(err))

	_, err = st.CreateSchedule(ctx, NewSchedule{EntryPointID: 999, Every: "day"})
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, st.SetScheduleEnabled(ctx, rec.ID, true))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.UpdateLastRun(ctx, rec.ID, at, "ok: 1"))

	got, err := st.GetSchedule(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "ok: 1", got.LastRunResult)
	assert.True(t, at.Equal(got.LastRunAt))

	list, err := st.ListScheduleRecordsFor(ctx, s.ep.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.True(t, errdefs.IsNotFound(st.SetScheduleEnabled(ctx, 999, true)))
	assert.True(t, errdefs.IsNotFound(st.UpdateLastRun(ctx, 999, at, "")))
}

func TestDeleteHooksRunAfterCommit(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)

	a, err := st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "day", At: "08:00"})
	require.NoError(t, err)
	b, err := st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "hour"})
	require.NoError(t, err)

	rec := &hookRecorder{}
	st.OnScheduleDeleted(func(ids []int64) {
		// the rows are already gone when the hook runs
		for _, id := range ids {
			_, err := st.GetSchedule(ctx, id)
			assert.True(t, errdefs.IsNotFound(err))
		}
		rec.hook(ids)
	})

	require.NoError(t, st.DeleteSchedule(ctx, a.ID))
	assert.Equal(t, []int64{a.ID}, rec.all())

	require.True(t, errdefs.IsNotFound(st.DeleteSchedule(ctx, a.ID)))
	assert.Len(t, rec.all(), 1)

	require.NoError(t, st.DeleteProject(ctx, s.project.ID))
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, rec.all())

	_, err = st.GetEntryPoint(ctx, s.ep.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestUserDeleteCascades(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)
	sc, err := st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "minute"})
	require.NoError(t, err)

	rec := &hookRecorder{}
	st.OnScheduleDeleted(rec.hook)
	require.NoError(t, st.DeleteUser(ctx, s.user.ID))
	assert.Equal(t, []int64{sc.ID}, rec.all())

	all, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEntryPointDeleteWithoutSchedulesSkipsHook(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	s := seed(t, st)
	called := false
	st.OnScheduleDeleted(func([]int64) { called = true })
	require.NoError(t, st.DeleteEntryPoint(context.Background(), s.ep.ID))
	assert.False(t, called)
}

func TestScheduleEventsFromTriggers(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	s := seed(t, st)

	start, err := st.LatestEventSeq(ctx)
	require.NoError(t, err)

	sc, err := st.CreateSchedule(ctx, NewSchedule{EntryPointID: s.ep.ID, Every: "day"})
	require.NoError(t, err)
	require.NoError(t, st.SetScheduleEnabled(ctx, sc.ID, true))
	require.NoError(t, st.UpdateLastRun(ctx, sc.ID, time.Now(), "ok"))
	require.NoError(t, st.DeleteEntryPoint(ctx, s.ep.ID))

	evs, err := st.ScheduleEventsAfter(ctx, start, 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(evs))
	for _, ev := range evs {
		assert.Equal(t, sc.ID, ev.ScheduleID)
		kinds = append(kinds, ev.Kind)
	}
	// last-run write-back is not a change event; cascades are.
	assert.Equal(t, []string{EventCreated, EventUpdated, EventDeleted}, kinds)

	n, err := st.PruneScheduleEvents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCommitFailureDoesNotRunHooks(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newStore(db, logx.Nop())
	called := false
	st.OnScheduleDeleted(func([]int64) { called = true })

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM schedules WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM schedules WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err = st.DeleteSchedule(context.Background(), 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedDeleteRollsBack(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newStore(db, logx.Nop())
	called := false
	st.OnScheduleDeleted(func([]int64) { called = true })

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT s.id FROM schedules s`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectExec(`DELETE FROM projects WHERE id = \?`).
		WithArgs(int64(3)).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	require.Error(t, st.DeleteProject(context.Background(), 3))
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}
