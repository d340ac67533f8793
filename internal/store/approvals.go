package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ApprovalType identifies what kind of action the worker wants approved.
type ApprovalType string

const (
	ApprovalCommandExecution ApprovalType = "commandExecution"
	ApprovalFileChange       ApprovalType = "fileChange"
	ApprovalUserInput        ApprovalType = "userInput"
)

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// IsTerminal returns true once an approval can no longer change state.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalCancelled
}

// Approval is the projected view of one worker approval request.
// ApprovalID equals the stringified JSON-RPC id that initiated it.
type Approval struct {
	ApprovalID     string
	ThreadID       string
	TurnID         string
	ItemID         string
	Type           ApprovalType
	Status         ApprovalStatus
	RequestPayload string
	Decision       string
	Note           string
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// UpsertApprovalRequest persists an inbound approval request as pending.
// Re-persisting the same id refreshes the request payload but never
// resurrects a decided approval.
func (s *Store) UpsertApprovalRequest(ctx context.Context, a Approval) error {
	payload := a.RequestPayload
	if payload == "" {
		payload = "{}"
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, thread_id, turn_id, item_id, approval_type, status, request_payload, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(approval_id) DO UPDATE SET
			request_payload = excluded.request_payload
		WHERE approvals.status = 'pending'`,
		a.ApprovalID, a.ThreadID, nullString(a.TurnID), nullString(a.ItemID),
		string(a.Type), payload, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting approval %s: %w", a.ApprovalID, err)
	}
	return nil
}

// ResolveApprovalRequest writes a terminal status for a pending
// approval. Returns ErrNotPending when the row exists but already left
// pending, ErrNotFound when there is no such row.
func (s *Store) ResolveApprovalRequest(ctx context.Context, approvalID string, status ApprovalStatus, decision, note string, resolvedAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("resolving approval %s: status %q is not terminal", approvalID, status)
	}
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decision = ?, note = ?, resolved_at = ?
		WHERE approval_id = ? AND status = 'pending'`,
		string(status), nullString(decision), nullString(note), resolvedAt.UnixMilli(), approvalID)
	if err != nil {
		return fmt.Errorf("resolving approval %s: %w", approvalID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving approval %s: %w", approvalID, err)
	}
	if affected == 0 {
		if _, err := s.GetApprovalByID(ctx, approvalID); err != nil {
			return err
		}
		return fmt.Errorf("approval %s: %w", approvalID, ErrNotPending)
	}
	return nil
}

// GetApprovalByID returns one approval, or ErrNotFound.
func (s *Store) GetApprovalByID(ctx context.Context, approvalID string) (Approval, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT approval_id, thread_id, turn_id, item_id, approval_type, status, request_payload, decision, note, created_at, resolved_at
		FROM approvals WHERE approval_id = ?`, approvalID)

	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("reading approval: %w", err)
	}
	return a, nil
}

// ListPendingApprovalsByThread returns a thread's pending approvals,
// oldest first.
func (s *Store) ListPendingApprovalsByThread(ctx context.Context, threadID string) ([]Approval, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT approval_id, thread_id, turn_id, item_id, approval_type, status, request_payload, decision, note, created_at, resolved_at
		FROM approvals WHERE thread_id = ? AND status = 'pending'
		ORDER BY created_at ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	return approvals, nil
}

// CancelAllPendingApprovals cancels every pending approval and returns
// the cancelled rows. Used at startup: a restarted gateway has no live
// rpc mapping for approvals from the previous worker generation.
func (s *Store) CancelAllPendingApprovals(ctx context.Context, resolvedAt time.Time) ([]Approval, error) {
	return s.cancelPendingApprovals(ctx, "", "", resolvedAt)
}

// CancelPendingApprovalsForTurn cancels a turn's pending approvals and
// returns the cancelled rows.
func (s *Store) CancelPendingApprovalsForTurn(ctx context.Context, threadID, turnID string, resolvedAt time.Time) ([]Approval, error) {
	return s.cancelPendingApprovals(ctx, threadID, turnID, resolvedAt)
}

func (s *Store) cancelPendingApprovals(ctx context.Context, threadID, turnID string, resolvedAt time.Time) ([]Approval, error) {
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning cancel: %w", err)
	}

	query := `
		SELECT approval_id, thread_id, turn_id, item_id, approval_type, status, request_payload, decision, note, created_at, resolved_at
		FROM approvals WHERE status = 'pending'`
	args := []any{}
	if threadID != "" {
		query += " AND thread_id = ? AND turn_id = ?"
		args = append(args, threadID, turnID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("selecting pending approvals: %w", err)
	}
	var cancelled []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		cancelled = append(cancelled, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return nil, fmt.Errorf("selecting pending approvals: %w", err)
	}
	_ = rows.Close()

	for i := range cancelled {
		cancelled[i].Status = ApprovalCancelled
		cancelled[i].ResolvedAt = resolvedAt
		if _, err := tx.ExecContext(ctx, `
			UPDATE approvals SET status = 'cancelled', resolved_at = ?
			WHERE approval_id = ?`,
			resolvedAt.UnixMilli(), cancelled[i].ApprovalID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("cancelling approval %s: %w", cancelled[i].ApprovalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cancel: %w", err)
	}
	return cancelled, nil
}

func scanApproval(row rowScanner) (Approval, error) {
	var a Approval
	var turnID, itemID, decision, note sql.NullString
	var approvalType, status string
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&a.ApprovalID, &a.ThreadID, &turnID, &itemID, &approvalType, &status,
		&a.RequestPayload, &decision, &note, &createdAt, &resolvedAt); err != nil {
		return Approval{}, err
	}
	a.TurnID = turnID.String
	a.ItemID = itemID.String
	a.Type = ApprovalType(approvalType)
	a.Status = ApprovalStatus(status)
	a.Decision = decision.String
	a.Note = note.String
	a.CreatedAt = time.UnixMilli(createdAt)
	if resolvedAt.Valid {
		a.ResolvedAt = time.UnixMilli(resolvedAt.Int64)
	}
	return a, nil
}
