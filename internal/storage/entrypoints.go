package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

const entryPointCols = `id, project_id, file, func, is_default, created_at FROM entry_points`

func scanEntryPoint(sc interface{ Scan(...any) error }) (EntryPoint, error) {
	var (
		e  EntryPoint
		at sql.NullInt64
	)
	if err := sc.Scan(&e.ID, &e.ProjectID, &e.File, &e.Func, &e.IsDefault, &at); err != nil {
		return EntryPoint{}, err
	}
	e.CreatedAt = fromMS(at)
	return e, nil
}

// CreateEntryPoint adds an entry point. The first entry point of a project
// becomes its default, as does any created with makeDefault.
func (s *Store) CreateEntryPoint(ctx context.Context, projectID int64, file, fn string, makeDefault bool) (EntryPoint, error) {
	file = strings.TrimSpace(file)
	fn = strings.TrimSpace(fn)
	if file == "" || fn == "" {
		return EntryPoint{}, errdefs.Configuration("entry point needs a file and a function")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entry_points WHERE project_id = ? AND is_default = 1`, projectID).Scan(&n); err != nil {
			return err
		}
		def := makeDefault || n == 0
		if def && n > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE entry_points SET is_default = 0 WHERE project_id = ?`, projectID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entry_points(project_id, file, func, is_default, created_at) VALUES(?,?,?,?,?)`,
			projectID, file, fn, def, ms(time.Now()))
		if isUnique(err) {
			return errdefs.Duplicate("entry point %s:%s already exists", file, fn)
		}
		if isForeignKey(err) {
			return errdefs.NotFound("project %d not found", projectID)
		}
		if err != nil {
			return errors.Wrap(err, "insert entry point")
		}
		id, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return EntryPoint{}, err
	}
	return s.GetEntryPoint(ctx, id)
}

func (s *Store) GetEntryPoint(ctx context.Context, id int64) (EntryPoint, error) {
	e, err := scanEntryPoint(s.db.QueryRowContext(ctx, `SELECT `+entryPointCols+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return EntryPoint{}, errdefs.NotFound("entry point %d not found", id)
	}
	if err != nil {
		return EntryPoint{}, errors.Wrap(err, "get entry point")
	}
	return e, nil
}

func (s *Store) DefaultEntryPoint(ctx context.Context, projectID int64) (EntryPoint, error) {
	e, err := scanEntryPoint(s.db.QueryRowContext(ctx, `SELECT `+entryPointCols+` WHERE project_id = ? AND is_default = 1`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return EntryPoint{}, errdefs.NotFound("project %d has no default entry point", projectID)
	}
	if err != nil {
		return EntryPoint{}, errors.Wrap(err, "default entry point")
	}
	return e, nil
}

func (s *Store) ListEntryPointsFor(ctx context.Context, projectID int64) ([]EntryPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryPointCols+` WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "list entry points")
	}
	defer rows.Close()
	var out []EntryPoint
	for rows.Next() {
		e, err := scanEntryPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetDefaultEntryPoint clears the previous default in the same transaction.
func (s *Store) SetDefaultEntryPoint(ctx context.Context, projectID, epID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM entry_points WHERE id = ?`, epID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != projectID) {
			return errdefs.NotFound("entry point %d not found in project %d", epID, projectID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE entry_points SET is_default = 0 WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE entry_points SET is_default = 1 WHERE id = ?`, epID)
		return err
	})
}

func (s *Store) DeleteEntryPoint(ctx context.Context, id int64) error {
	return s.deleteCollecting(ctx, "entry point", id,
		`SELECT id FROM schedules WHERE ep_id = ?`,
		`DELETE FROM entry_points WHERE id = ?`)
}
