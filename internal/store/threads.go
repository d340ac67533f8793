package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThreadStatus represents what the gateway knows about a thread's
// worker-side state.
type ThreadStatus string

const (
	ThreadNotLoaded   ThreadStatus = "notLoaded"
	ThreadIdle        ThreadStatus = "idle"
	ThreadActive      ThreadStatus = "active"
	ThreadSystemError ThreadStatus = "systemError"
	ThreadUnknown     ThreadStatus = "unknown"
)

// String returns the string representation of the thread status.
func (s ThreadStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized thread status.
func (s ThreadStatus) IsValid() bool {
	switch s {
	case ThreadNotLoaded, ThreadIdle, ThreadActive, ThreadSystemError, ThreadUnknown:
		return true
	default:
		return false
	}
}

// UnknownProjectKey marks a thread whose working directory has not been
// resolved yet. Known project keys never revert to it.
const UnknownProjectKey = "unknown"

// Thread is the projected view of one worker thread.
type Thread struct {
	ThreadID   string
	ProjectKey string
	Title      string
	Preview    string
	Status     ThreadStatus
	Archived   bool
	LastError  string
	UpdatedAt  time.Time
}

// UpsertThreads inserts or refreshes thread projections in one
// transaction. A known project_key is never overwritten by "unknown".
func (s *Store) UpsertThreads(ctx context.Context, threads []Thread) error {
	if len(threads) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threads (thread_id, project_key, title, preview, status, archived, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			project_key = CASE WHEN excluded.project_key != 'unknown' THEN excluded.project_key ELSE threads.project_key END,
			title       = excluded.title,
			preview     = excluded.preview,
			status      = excluded.status,
			archived    = excluded.archived,
			last_error  = excluded.last_error,
			updated_at  = excluded.updated_at`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range threads {
		projectKey := t.ProjectKey
		if projectKey == "" {
			projectKey = UnknownProjectKey
		}
		status := t.Status
		if status == "" {
			status = ThreadUnknown
		}
		if _, err := stmt.ExecContext(ctx,
			t.ThreadID, projectKey, t.Title, t.Preview, string(status),
			boolToInt(t.Archived), nullString(t.LastError), t.UpdatedAt.UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upserting thread %s: %w", t.ThreadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// UpdateThreadProjectKey sets a thread's resolved working directory.
// Passing "" or "unknown" is a no-op: project keys only move away from
// unknown, never back.
func (s *Store) UpdateThreadProjectKey(ctx context.Context, threadID, projectKey string) error {
	if projectKey == "" || projectKey == UnknownProjectKey {
		return nil
	}
	_, err := s.conn.ExecContext(ctx,
		`UPDATE threads SET project_key = ? WHERE thread_id = ? AND project_key != ?`,
		projectKey, threadID, projectKey)
	if err != nil {
		return fmt.Errorf("updating project key: %w", err)
	}
	return nil
}

// TouchThreadStatus records a thread's liveness transition, creating a
// minimal row when the projection has never seen the thread. Unlike
// UpsertThreads it leaves title, preview and project_key alone.
func (s *Store) TouchThreadStatus(ctx context.Context, threadID string, status ThreadStatus, updatedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO threads (thread_id, project_key, title, preview, status, archived, last_error, updated_at)
		VALUES (?, ?, '', '', ?, 0, NULL, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			status     = excluded.status,
			updated_at = excluded.updated_at`,
		threadID, UnknownProjectKey, string(status), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("touching thread %s: %w", threadID, err)
	}
	return nil
}

// GetThread returns one thread projection, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT thread_id, project_key, title, preview, status, archived, last_error, updated_at
		FROM threads WHERE thread_id = ?`, threadID)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("reading thread: %w", err)
	}
	return t, nil
}

// ListThreads returns projections ordered by most recently updated.
// limit <= 0 means no limit.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	query := `
		SELECT thread_id, project_key, title, preview, status, archived, last_error, updated_at
		FROM threads ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return threads, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var t Thread
	var status string
	var archived int
	var lastError sql.NullString
	var updatedAt int64
	if err := row.Scan(&t.ThreadID, &t.ProjectKey, &t.Title, &t.Preview, &status, &archived, &lastError, &updatedAt); err != nil {
		return Thread{}, err
	}
	t.Status = ThreadStatus(status)
	t.Archived = archived != 0
	t.LastError = lastError.String
	t.UpdatedAt = time.UnixMilli(updatedAt)
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
