package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InteractionStatus represents the lifecycle state of an interaction.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "pending"
	InteractionResponded InteractionStatus = "responded"
	InteractionCancelled InteractionStatus = "cancelled"
)

// Interaction is the projected view of one multi-question user-input
// prompt initiated by the worker.
type Interaction struct {
	InteractionID   string
	ThreadID        string
	TurnID          string
	ItemID          string
	Status          InteractionStatus
	RequestPayload  string
	ResponsePayload string
	CancelReason    string
	CreatedAt       time.Time
	ResolvedAt      time.Time
}

// UpsertInteractionRequest persists an inbound user-input request as
// pending. Re-persisting refreshes the request payload but never
// resurrects a resolved interaction.
func (s *Store) UpsertInteractionRequest(ctx context.Context, in Interaction) error {
	payload := in.RequestPayload
	if payload == "" {
		payload = "{}"
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO interactions (interaction_id, thread_id, turn_id, item_id, status, request_payload, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(interaction_id) DO UPDATE SET
			request_payload = excluded.request_payload
		WHERE interactions.status = 'pending'`,
		in.InteractionID, in.ThreadID, nullString(in.TurnID), nullString(in.ItemID),
		payload, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting interaction %s: %w", in.InteractionID, err)
	}
	return nil
}

// RespondInteractionRequest records the user's answers for a pending
// interaction. Returns ErrNotPending when the row already left pending,
// ErrNotFound when there is no such row.
func (s *Store) RespondInteractionRequest(ctx context.Context, interactionID, responsePayload string, resolvedAt time.Time) error {
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE interactions
		SET status = 'responded', response_payload = ?, resolved_at = ?
		WHERE interaction_id = ? AND status = 'pending'`,
		responsePayload, resolvedAt.UnixMilli(), interactionID)
	if err != nil {
		return fmt.Errorf("responding to interaction %s: %w", interactionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("responding to interaction %s: %w", interactionID, err)
	}
	if affected == 0 {
		if _, err := s.GetInteractionByID(ctx, interactionID); err != nil {
			return err
		}
		return fmt.Errorf("interaction %s: %w", interactionID, ErrNotPending)
	}
	return nil
}

// CancelInteractionRequest cancels a single pending interaction with a
// reason. Same error contract as RespondInteractionRequest.
func (s *Store) CancelInteractionRequest(ctx context.Context, interactionID, reason string, resolvedAt time.Time) error {
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE interactions
		SET status = 'cancelled', cancel_reason = ?, resolved_at = ?
		WHERE interaction_id = ? AND status = 'pending'`,
		nullString(reason), resolvedAt.UnixMilli(), interactionID)
	if err != nil {
		return fmt.Errorf("cancelling interaction %s: %w", interactionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancelling interaction %s: %w", interactionID, err)
	}
	if affected == 0 {
		if _, err := s.GetInteractionByID(ctx, interactionID); err != nil {
			return err
		}
		return fmt.Errorf("interaction %s: %w", interactionID, ErrNotPending)
	}
	return nil
}

// GetInteractionByID returns one interaction, or ErrNotFound.
func (s *Store) GetInteractionByID(ctx context.Context, interactionID string) (Interaction, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT interaction_id, thread_id, turn_id, item_id, status, request_payload, response_payload, cancel_reason, created_at, resolved_at
		FROM interactions WHERE interaction_id = ?`, interactionID)

	in, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, fmt.Errorf("interaction %s: %w", interactionID, ErrNotFound)
	}
	if err != nil {
		return Interaction{}, fmt.Errorf("reading interaction: %w", err)
	}
	return in, nil
}

// ListPendingInteractionsByThread returns a thread's pending
// interactions, oldest first.
func (s *Store) ListPendingInteractionsByThread(ctx context.Context, threadID string) ([]Interaction, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT interaction_id, thread_id, turn_id, item_id, status, request_payload, response_payload, cancel_reason, created_at, resolved_at
		FROM interactions WHERE thread_id = ? AND status = 'pending'
		ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing pending interactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var interactions []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		interactions = append(interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending interactions: %w", err)
	}
	return interactions, nil
}

// CancelAllPendingInteractions cancels every pending interaction with
// the given reason and returns the cancelled rows. Used at startup.
func (s *Store) CancelAllPendingInteractions(ctx context.Context, reason string, resolvedAt time.Time) ([]Interaction, error) {
	return s.cancelPendingInteractions(ctx, "", "", reason, resolvedAt)
}

// CancelPendingInteractionsForTurn cancels a turn's pending
// interactions and returns the cancelled rows.
func (s *Store) CancelPendingInteractionsForTurn(ctx context.Context, threadID, turnID, reason string, resolvedAt time.Time) ([]Interaction, error) {
	return s.cancelPendingInteractions(ctx, threadID, turnID, reason, resolvedAt)
}

func (s *Store) cancelPendingInteractions(ctx context.Context, threadID, turnID, reason string, resolvedAt time.Time) ([]Interaction, error) {
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning cancel: %w", err)
	}

	query := `
		SELECT interaction_id, thread_id, turn_id, item_id, status, request_payload, response_payload, cancel_reason, created_at, resolved_at
		FROM interactions WHERE status = 'pending'`
	args := []any{}
	if threadID != "" {
		query += " AND thread_id = ? AND turn_id = ?"
		args = append(args, threadID, turnID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("selecting pending interactions: %w", err)
	}
	var cancelled []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		cancelled = append(cancelled, in)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return nil, fmt.Errorf("selecting pending interactions: %w", err)
	}
	_ = rows.Close()

	for i := range cancelled {
		cancelled[i].Status = InteractionCancelled
		cancelled[i].CancelReason = reason
		cancelled[i].ResolvedAt = resolvedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE interactions SET status = 'cancelled', cancel_reason = ?, resolved_at = ?
			WHERE interaction_id = ?`,
			nullString(reason), resolvedAt.UnixMilli(), cancelled[i].InteractionID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("cancelling interaction %s: %w", cancelled[i].InteractionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cancel: %w", err)
	}
	return cancelled, nil
}

func scanInteraction(row rowScanner) (Interaction, error) {
	var in Interaction
	var turnID, itemID, responsePayload, cancelReason sql.NullString
	var status string
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&in.InteractionID, &in.ThreadID, &turnID, &itemID, &status,
		&in.RequestPayload, &responsePayload, &cancelReason, &createdAt, &resolvedAt); err != nil {
		return Interaction{}, err
	}
	in.TurnID = turnID.String
	in.ItemID = itemID.String
	in.Status = InteractionStatus(status)
	in.ResponsePayload = responsePayload.String
	in.CancelReason = cancelReason.String
	in.CreatedAt = time.UnixMilli(createdAt)
	if resolvedAt.Valid {
		in.ResolvedAt = time.UnixMilli(resolvedAt.Int64)
	}
	return in, nil
}
