package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

const projectCols = `p.id, p.user_id, u.email, p.name, p.created_at FROM projects p JOIN users u ON u.id = p.user_id`

func scanProject(sc interface{ Scan(...any) error }) (Project, error) {
	var (
		p  Project
		at sql.NullInt64
	)
	if err := sc.Scan(&p.ID, &p.UserID, &p.OwnerEmail, &p.Name, &at); err != nil {
		return Project{}, err
	}
	p.CreatedAt = fromMS(at)
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, userID int64, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, errdefs.Configuration("project name is required")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects(user_id, name, created_at) VALUES(?,?,?)`, userID, name, ms(time.Now()))
	if isUnique(err) {
		return Project{}, errdefs.Duplicate("project %q already exists", name)
	}
	if isForeignKey(err) {
		return Project{}, errdefs.NotFound("user %d not found", userID)
	}
	if err != nil {
		return Project{}, errors.Wrap(err, "insert project")
	}
	id, _ := res.LastInsertId()
	return s.GetProject(ctx, id)
}

func (s *Store) GetProject(ctx context.Context, id int64) (Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectCols+` WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, errdefs.NotFound("project %d not found", id)
	}
	if err != nil {
		return Project{}, errors.Wrap(err, "get project")
	}
	return p, nil
}

func (s *Store) ListProjectsFor(ctx context.Context, userID int64) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectCols+` WHERE p.user_id = ? ORDER BY p.id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes the project rows. The caller removes the directory.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	return s.deleteCollecting(ctx, "project", id,
		`SELECT s.id FROM schedules s JOIN entry_points e ON e.id = s.ep_id WHERE e.project_id = ?`,
		`DELETE FROM projects WHERE id = ?`)
}
