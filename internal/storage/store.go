package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DeleteHook receives the ids of schedules removed by one committed delete.
type DeleteHook func(ids []int64)

type Store struct {
	db  *sql.DB
	log logx.Logger

	hmu   sync.RWMutex
	hooks []DeleteHook
}

// Open opens (and migrates) the database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errdefs.Configuration("storage path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := newStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newStore(db *sql.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnScheduleDeleted registers h. Hooks run synchronously after a delete
// commits, in registration order.
func (s *Store) OnScheduleDeleted(h DeleteHook) {
	if h == nil {
		return
	}
	s.hmu.Lock()
	s.hooks = append(s.hooks, h)
	s.hmu.Unlock()
}

func (s *Store) fireDeleted(ids []int64) {
	if len(ids) == 0 {
		return
	}
	s.hmu.RLock()
	hooks := append([]DeleteHook(nil), s.hooks...)
	s.hmu.RUnlock()
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("schedule delete hook panicked", logx.Any("panic", r))
				}
			}()
			h(ids)
		}()
	}
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// deleteCollecting runs the collect query and the delete in one transaction
// and fires the hooks with the collected schedule ids after commit.
func (s *Store) deleteCollecting(ctx context.Context, what string, id int64, collect, del string) error {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, collect, id)
		if err != nil {
			return errors.Wrapf(err, "collect schedules of %s %d", what, id)
		}
		ids, err = scanIDs(rows)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, del, id)
		if err != nil {
			return errors.Wrapf(err, "delete %s %d", what, id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound("%s %d not found", what, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("deleted", logx.String("kind", what), logx.Int64("id", id), logx.Int("schedules", len(ids)))
	s.fireDeleted(ids)
	return nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUnique(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKey(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
