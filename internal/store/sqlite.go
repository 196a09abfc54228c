package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/copyleftdev/gridsweep/internal/errors"
	"github.com/copyleftdev/gridsweep/internal/task"
)

// SQLiteStore is a Store backed by a single sqlite database file.
// AUTOINCREMENT guarantees identifiers are monotonically increasing and
// never reused, even across deletes and restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    name           TEXT NOT NULL UNIQUE,
    state          TEXT NOT NULL,
    backend_job_id TEXT NOT NULL DEFAULT '',
    record         TEXT NOT NULL,
    updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
`

// OpenSQLite opens (creating if needed) the task store at dsn.
func OpenSQLite(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.Fatal, "opening task store").WithComponent("store")
	}
	// A single writer keeps the engine's write-through semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Fatal, "enabling WAL").WithComponent("store")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Fatal, "initializing schema").WithComponent("store")
	}

	logger.Info("task store opened", zap.String("dsn", dsn))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// withRetry runs op, retrying with exponential backoff while sqlite reports
// the database as busy or locked.
func withRetry(op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		msg := err.Error()
		if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *SQLiteStore) Save(ctx context.Context, rec *task.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.Fatal, "encoding task record").WithComponent("store")
	}

	if rec.ID == 0 {
		var id int64
		err = withRetry(func() error {
			res, execErr := s.db.ExecContext(ctx,
				`INSERT INTO tasks (name, state, backend_job_id, record, updated_at)
				 VALUES (?, ?, ?, ?, ?)`,
				rec.Name, string(rec.State), rec.BackendJobID, string(blob), rec.UpdatedAt)
			if execErr != nil {
				return execErr
			}
			id, execErr = res.LastInsertId()
			return execErr
		})
		if err != nil {
			return errors.Wrapf(err, errors.Fatal, "inserting task %s", rec.Name).WithComponent("store")
		}
		rec.ID = id
		// Re-encode now that the identifier is known.
		return s.Save(ctx, rec)
	}

	err = withRetry(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, backend_job_id = ?, record = ?, updated_at = ?
			 WHERE id = ?`,
			string(rec.State), rec.BackendJobID, string(blob), rec.UpdatedAt, rec.ID)
		return execErr
	})
	if err != nil {
		return errors.Wrapf(err, errors.Fatal, "updating task %s", rec.Name).WithComponent("store")
	}
	s.logger.Debug("task persisted",
		zap.Int64("id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("state", string(rec.State)))
	return nil
}

func (s *SQLiteStore) scanRecord(row *sql.Row) (*task.Record, error) {
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.Fatal, "reading task record").WithComponent("store")
	}
	var rec task.Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, errors.Wrap(err, errors.Fatal, "decoding task record").WithComponent("store")
	}
	return &rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*task.Record, error) {
	return s.scanRecord(s.db.QueryRowContext(ctx,
		`SELECT record FROM tasks WHERE id = ?`, id))
}

func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*task.Record, error) {
	return s.scanRecord(s.db.QueryRowContext(ctx,
		`SELECT record FROM tasks WHERE name = ?`, name))
}

func (s *SQLiteStore) List(ctx context.Context) ([]*task.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM tasks ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.Fatal, "listing tasks").WithComponent("store")
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, errors.Wrap(err, errors.Fatal, "reading task record").WithComponent("store")
		}
		var rec task.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, errors.Wrap(err, errors.Fatal, "decoding task record").WithComponent("store")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
