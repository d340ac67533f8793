package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/pont/internal/events"
)

// InsertGatewayEvent appends one event to the durable log and returns
// the assigned seq. Safe for concurrent callers; seq uniqueness and
// monotonicity come from the AUTOINCREMENT primary key.
func (s *Store) InsertGatewayEvent(ctx context.Context, ev events.GatewayEvent) (int64, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ts := ev.ServerTS
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO events_log (thread_id, turn_id, kind, name, payload, server_ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ThreadID, nullString(ev.TurnID), string(ev.Kind), ev.Name, string(payload), ts.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event seq: %w", err)
	}
	return seq, nil
}

// ListGatewayEventsSince returns a thread's events with seq > sinceSeq,
// oldest first, capped at limit. This is the replay window for
// subscribers joining mid-stream.
func (s *Store) ListGatewayEventsSince(ctx context.Context, threadID string, sinceSeq int64, limit int) ([]events.GatewayEvent, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, thread_id, turn_id, kind, name, payload, server_ts
		FROM events_log
		WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, threadID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.GatewayEvent
	for rows.Next() {
		var ev events.GatewayEvent
		var turnID sql.NullString
		var kind, payload string
		var serverTS int64
		if err := rows.Scan(&ev.Seq, &ev.ThreadID, &turnID, &kind, &ev.Name, &payload, &serverTS); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.TurnID = turnID.String
		ev.Kind = events.Kind(kind)
		ev.Payload = json.RawMessage(payload)
		ev.ServerTS = time.UnixMilli(serverTS)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return out, nil
}
