package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actors.
const (
	ActorGateway = "gateway"
	ActorUser    = "user"
)

// AuditRecord is one entry in the append-only audit trail. Every
// approval/interaction decision and cancellation writes one.
type AuditRecord struct {
	ID       string
	TS       time.Time
	Actor    string
	Action   string
	ThreadID string
	TurnID   string
	Metadata string
}

// InsertAuditLog appends one audit record. A missing ID gets a fresh
// UUID; a zero TS gets the current time.
func (s *Store) InsertAuditLog(ctx context.Context, rec AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	if rec.Actor == "" {
		rec.Actor = ActorGateway
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor, action, thread_id, turn_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TS.UnixMilli(), rec.Actor, rec.Action,
		nullString(rec.ThreadID), nullString(rec.TurnID), nullString(rec.Metadata))
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// ListAuditByThread returns a thread's audit trail, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListAuditByThread(ctx context.Context, threadID string, limit int) ([]AuditRecord, error) {
	query := `
		SELECT id, ts, actor, action, thread_id, turn_id, metadata
		FROM audit_log WHERE thread_id = ? ORDER BY ts ASC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var ts int64
		var threadID, turnID, metadata sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.Actor, &rec.Action, &threadID, &turnID, &metadata); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.TS = time.UnixMilli(ts)
		rec.ThreadID = threadID.String
		rec.TurnID = turnID.String
		rec.Metadata = metadata.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	return records, nil
}
