package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TurnStatus represents the lifecycle state of a turn.
type TurnStatus string

const (
	TurnActive      TurnStatus = "active"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnAborted     TurnStatus = "aborted"
	TurnFailed      TurnStatus = "failed"
)

// IsTerminal returns true once a turn can no longer change state.
func (s TurnStatus) IsTerminal() bool {
	switch s {
	case TurnCompleted, TurnInterrupted, TurnAborted, TurnFailed:
		return true
	default:
		return false
	}
}

// Turn is the projected view of one turn on a thread.
type Turn struct {
	TurnID      string
	ThreadID    string
	Status      TurnStatus
	StartedAt   time.Time
	CompletedAt time.Time
	ErrorJSON   string
}

// StartTurn records a turn entering the active state. Re-recording an
// existing turn refreshes its start time but keeps a terminal status.
func (s *Store) StartTurn(ctx context.Context, turnID, threadID string, startedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO turns (turn_id, thread_id, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			started_at = excluded.started_at`,
		turnID, threadID, string(TurnActive), startedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("starting turn %s: %w", turnID, err)
	}
	return nil
}

// FinishTurn moves a turn to a terminal status. Finishing an unknown
// turn inserts it, so completion events arriving before the gateway saw
// turn/started still leave a consistent projection.
func (s *Store) FinishTurn(ctx context.Context, turnID, threadID string, status TurnStatus, errorJSON string, completedAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finishing turn %s: status %q is not terminal", turnID, status)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO turns (turn_id, thread_id, status, completed_at, error_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			status       = excluded.status,
			completed_at = excluded.completed_at,
			error_json   = excluded.error_json`,
		turnID, threadID, string(status), completedAt.UnixMilli(), nullString(errorJSON))
	if err != nil {
		return fmt.Errorf("finishing turn %s: %w", turnID, err)
	}
	return nil
}

// GetTurn returns one turn projection, or ErrNotFound.
func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT turn_id, thread_id, status, started_at, completed_at, error_json
		FROM turns WHERE turn_id = ?`, turnID)

	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	if err != nil {
		return Turn{}, fmt.Errorf("reading turn: %w", err)
	}
	return t, nil
}

// ListTurnsByThread returns a thread's turns, oldest first.
func (s *Store) ListTurnsByThread(ctx context.Context, threadID string) ([]Turn, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT turn_id, thread_id, status, started_at, completed_at, error_json
		FROM turns WHERE thread_id = ? ORDER BY started_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	return turns, nil
}

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var status string
	var startedAt, completedAt sql.NullInt64
	var errorJSON sql.NullString
	if err := row.Scan(&t.TurnID, &t.ThreadID, &status, &startedAt, &completedAt, &errorJSON); err != nil {
		return Turn{}, err
	}
	t.Status = TurnStatus(status)
	if startedAt.Valid {
		t.StartedAt = time.UnixMilli(startedAt.Int64)
	}
	if completedAt.Valid {
		t.CompletedAt = time.UnixMilli(completedAt.Int64)
	}
	t.ErrorJSON = errorJSON.String
	return t, nil
}
