package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// ScheduleEventsAfter returns up to limit events with seq > after, oldest first.
func (s *Store) ScheduleEventsAfter(ctx context.Context, after int64, limit int) ([]ScheduleEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, schedule_id, kind, at FROM schedule_events WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "schedule events")
	}
	defer rows.Close()
	var out []ScheduleEvent
	for rows.Next() {
		var (
			ev ScheduleEvent
			at sql.NullInt64
		)
		if err := rows.Scan(&ev.Seq, &ev.ScheduleID, &ev.Kind, &at); err != nil {
			return nil, err
		}
		ev.At = fromMS(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestEventSeq is the highest sequence written so far, 0 when empty.
func (s *Store) LatestEventSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM schedule_events`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "latest event")
	}
	return seq.Int64, nil
}

func (s *Store) PruneScheduleEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_events WHERE at < ?`, ms(before))
	if err != nil {
		return 0, errors.Wrap(err, "prune schedule events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
