package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
)

func (s *Store) CreateUser(ctx context.Context, email, name string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, errdefs.Configuration("invalid email %q", email)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email, name, created_at) VALUES(?,?,?)`, email, strings.TrimSpace(name), ms(now))
	if isUnique(err) {
		return User{}, errdefs.Duplicate("user %q already exists", email)
	}
	if err != nil {
		return User{}, errors.Wrap(err, "insert user")
	}
	id, _ := res.LastInsertId()
	return User{ID: id, Email: email, Name: strings.TrimSpace(name), CreatedAt: time.UnixMilli(ms(now)).UTC()}, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var (
			u  User
			at sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &at); err != nil {
			return nil, err
		}
		u.CreatedAt = fromMS(at)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u  User
		at sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Email, &u.Name, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errdefs.NotFound("user %d not found", id)
	}
	if err != nil {
		return User{}, errors.Wrap(err, "get user")
	}
	u.CreatedAt = fromMS(at)
	return u, nil
}

// DeleteUser removes the user and, by cascade, everything they own.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.deleteCollecting(ctx, "user", id,
		`SELECT s.id FROM schedules s
		   JOIN entry_points e ON e.id = s.ep_id
		   JOIN projects p ON p.id = e.project_id
		  WHERE p.user_id = ?`,
		`DELETE FROM users WHERE id = ?`)
}
