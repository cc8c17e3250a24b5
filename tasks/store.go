package tasks

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/pkg/sqlitepool"
)

// Task is one to-do item owned by a subject.
type Task struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subjectId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists tasks.
type Store interface {
	Create(ctx context.Context, t *Task) error
	// ListBySubject returns the subject's tasks, newest first.
	ListBySubject(ctx context.Context, subjectID string) ([]*Task, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	subject_id  TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	done        INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_subject_created ON tasks (subject_id, created_at DESC);
`

// CreateSchema creates the tasks table. It is idempotent and suitable as a
// sqlitepool OnConnect hook.
func CreateSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// SQLiteStore keeps tasks in SQLite. Timestamps are stored as Unix
// nanoseconds in UTC.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// NewSQLiteStore creates a store on pool. The pool must run CreateSchema on
// connect.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// OpenSQLiteStore opens a pool at path with the tasks schema.
func OpenSQLiteStore(cfg sqlitepool.Config) (*SQLiteStore, *sqlitepool.Pool, error) {
	cfg.OnConnect = CreateSchema
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewSQLiteStore(pool), pool, nil
}

func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO tasks (id, subject_id, title, description, done, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				t.ID, t.SubjectID, t.Title, t.Description, t.Done, t.CreatedAt.UTC().UnixNano(),
			}})
	})
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Create", "insert task")
	}
	return nil
}

func (s *SQLiteStore) ListBySubject(ctx context.Context, subjectID string) ([]*Task, error) {
	list := []*Task{}
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, subject_id, title, description, done, created_at FROM tasks
			 WHERE subject_id = ? ORDER BY created_at DESC, id DESC`,
			&sqlitex.ExecOptions{
				Args: []any{subjectID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					list = append(list, &Task{
						ID:          stmt.ColumnText(0),
						SubjectID:   stmt.ColumnText(1),
						Title:       stmt.ColumnText(2),
						Description: stmt.ColumnText(3),
						Done:        stmt.ColumnBool(4),
						CreatedAt:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "ListBySubject", "query tasks")
	}
	return list, nil
}
