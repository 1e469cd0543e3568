package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

const scheduleCols = `s.id, s.ep_id, e.project_id, s.every, s.at, s.tzname, s.enabled, s.last_run_at, s.last_run_result, s.created_at
	FROM schedules s JOIN entry_points e ON e.id = s.ep_id`

func scanSchedule(sc interface{ Scan(...any) error }) (ScheduleRecord, error) {
	var (
		r       ScheduleRecord
		lastRun sql.NullInt64
		lastRes sql.NullString
		at      sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.EntryPointID, &r.ProjectID, &r.Every, &r.At, &r.Timezone, &r.Enabled, &lastRun, &lastRes, &at); err != nil {
		return ScheduleRecord{}, err
	}
	r.LastRunAt = fromMS(lastRun)
	r.LastRunResult = lastRes.String
	r.CreatedAt = fromMS(at)
	return r, nil
}

func (s *Store) querySchedules(ctx context.Context, where string, args ...any) ([]ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` `+where+` ORDER BY s.id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	defer rows.Close()
	var out []ScheduleRecord
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateSchedule(ctx context.Context, ns NewSchedule) (ScheduleRecord, error) {
	every := strings.ToLower(strings.TrimSpace(ns.Every))
	if every == "" {
		return ScheduleRecord{}, errdefs.Configuration("schedule needs an interval")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(ep_id, every, at, tzname, enabled, created_at) VALUES(?,?,?,?,?,?)`,
		ns.EntryPointID, every, strings.TrimSpace(ns.At), strings.TrimSpace(ns.Timezone), ns.Enabled, ms(time.Now()))
	if isUnique(err) {
		return ScheduleRecord{}, errdefs.DuplicateSchedule("schedule %s %s %s already exists for entry point %d", every, ns.At, ns.Timezone, ns.EntryPointID)
	}
	if isForeignKey(err) {
		return ScheduleRecord{}, errdefs.NotFound("entry point %d not found", ns.EntryPointID)
	}
	if err != nil {
		return ScheduleRecord{}, errors.Wrap(err, "insert schedule")
	}
	id, _ := res.LastInsertId()
	return s.GetSchedule(ctx, id)
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (ScheduleRecord, error) {
	r, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleRecord{}, errdefs.NotFound("schedule %d not found", id)
	}
	if err != nil {
		return ScheduleRecord{}, errors.Wrap(err, "get schedule")
	}
	return r, nil
}

func (s *Store) ListScheduleRecordsFor(ctx context.Context, epID int64) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx, `WHERE s.ep_id = ?`, epID)
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	return s.querySchedules(ctx, ``)
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return errors.Wrap(err, "update schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("schedule %d not found", id)
	}
	return nil
}

// UpdateLastRun records the outcome of a firing. It does not emit a change event.
func (s *Store) UpdateLastRun(ctx context.Context, id int64, at time.Time, result string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ?, last_run_result = ? WHERE id = ?`, ms(at), result, id)
	if err != nil {
		return errors.Wrap(err, "update last run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("schedule %d not found", id)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	return s.deleteCollecting(ctx, "schedule", id,
		`SELECT id FROM schedules WHERE id = ?`,
		`DELETE FROM schedules WHERE id = ?`)
}
