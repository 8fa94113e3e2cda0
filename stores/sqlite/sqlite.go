// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore keeps task history in SQLite so finished tasks survive
// a restart. Tasks that are still live in this process are served from memory;
// everything else is rebuilt as a read-only jssandbox.Record.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	jssandbox "github.com/buke/js-sandbox"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    status      TEXT NOT NULL,
    source      TEXT NOT NULL,
    output      TEXT NOT NULL,
    quota       INTEGER NOT NULL,
    started_at  INTEGER,
    ended_at    INTEGER,
    duration_ns INTEGER
)`

const upsertTask = `
INSERT INTO tasks (id, status, source, output, quota, started_at, ended_at, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status      = excluded.status,
    output      = excluded.output,
    started_at  = excluded.started_at,
    ended_at    = excluded.ended_at,
    duration_ns = excluded.duration_ns`

const selectColumns = `SELECT id, status, source, output, quota, started_at, ended_at, duration_ns FROM tasks`

// Compile-time interface satisfaction check.
var _ jssandbox.Store = (*SQLiteStore)(nil)

// SQLiteStore implements jssandbox.Store on SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu   sync.RWMutex
	live map[string]jssandbox.Task // Non-terminal tasks stored by this process
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// Tasks a previous process left SCHEDULED or RUNNING can never resume, so
// they are settled as CANCELED.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	if _, err := db.Exec(
		"UPDATE tasks SET status = ?, ended_at = ? WHERE status IN (?, ?)",
		jssandbox.StatusCanceled.String(), time.Now().UnixNano(),
		jssandbox.StatusScheduled.String(), jssandbox.StatusRunning.String(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("settle interrupted tasks: %w", err)
	}

	return &SQLiteStore{db: db, live: make(map[string]jssandbox.Task)}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Store upserts the task's current snapshot. Re-storing a task keeps its
// position in creation order.
func (s *SQLiteStore) Store(ctx context.Context, task jssandbox.Task) error {
	v := jssandbox.NewView(task)
	_, err := s.db.ExecContext(ctx, upsertTask,
		v.ID, v.Status.String(), v.Source, v.Output, v.Quota,
		nanos(v.StartTime), nanos(v.EndTime), durationNanos(v.Duration),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Status.Terminal() {
		delete(s.live, v.ID)
	} else {
		s.live[v.ID] = task
	}
	return nil
}

// Fetch returns the live task when this process still runs it, otherwise a
// record of its last snapshot.
func (s *SQLiteStore) Fetch(ctx context.Context, id string) (jssandbox.Task, error) {
	if t, ok := s.liveTask(id); ok {
		return t, nil
	}
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jssandbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Delete removes the task's row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return jssandbox.ErrNotFound
	}
	return nil
}

// Query returns tasks in creation order. Without a filter the page is cut in
// SQL; a filter is a Go predicate over views, so it is applied after loading.
func (s *SQLiteStore) Query(ctx context.Context, filter jssandbox.Filter, page jssandbox.Page) ([]jssandbox.Task, int, error) {
	if filter != nil {
		all, err := s.query(ctx, selectColumns+" ORDER BY seq")
		if err != nil {
			return nil, 0, err
		}
		tasks, total := page.Apply(all, filter)
		return tasks, total, nil
	}

	total, err := s.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	tasks, err := s.query(ctx, selectColumns+" ORDER BY seq LIMIT ? OFFSET ?", limit, max(page.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// Count returns the number of stored tasks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]jssandbox.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []jssandbox.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if live, ok := s.liveTask(t.ID()); ok {
			t = live
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) liveTask(id string) (jssandbox.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live[id]
	return t, ok
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (jssandbox.Task, error) {
	var (
		v                         jssandbox.TaskView
		status                    string
		startedAt, endedAt, durNs sql.NullInt64
	)
	if err := row.Scan(&v.ID, &status, &v.Source, &v.Output, &v.Quota, &startedAt, &endedAt, &durNs); err != nil {
		return nil, err
	}
	st, err := jssandbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	v.Status = st
	v.StartTime = fromNanos(startedAt)
	v.EndTime = fromNanos(endedAt)
	if durNs.Valid {
		d := time.Duration(durNs.Int64)
		v.Duration = &d
	}
	return jssandbox.NewRecord(v), nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func durationNanos(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
