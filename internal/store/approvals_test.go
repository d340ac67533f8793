package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func pendingApproval(id, threadID, turnID string) Approval {
	return Approval{
		ApprovalID:     id,
		ThreadID:       threadID,
		TurnID:         turnID,
		Type:           ApprovalCommandExecution,
		RequestPayload: `{"command":"ls"}`,
	}
}

func TestUpsertApprovalRequest_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("17", "th_1", "tr_1")))

	got, err := s.GetApprovalByID(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
	assert.Equal(t, ApprovalCommandExecution, got.Type)
	assert.Equal(t, "th_1", got.ThreadID)
	assert.Equal(t, "tr_1", got.TurnID)
	assert.JSONEq(t, `{"command":"ls"}`, got.RequestPayload)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpsertApprovalRequest_DoesNotResurrectDecided(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("17", "th_1", "tr_1")))
	require.NoError(t, s.ResolveApprovalRequest(ctx, "17", ApprovalApproved, "allow", "", time.Now()))

	// A duplicate inbound request must not flip the row back to pending
	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("17", "th_1", "tr_1")))

	got, err := s.GetApprovalByID(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
}

func TestResolveApprovalRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("17", "th_1", "tr_1")))
	require.NoError(t, s.ResolveApprovalRequest(ctx, "17", ApprovalDenied, "deny", "too risky", time.Now()))

	got, err := s.GetApprovalByID(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, ApprovalDenied, got.Status)
	assert.Equal(t, "deny", got.Decision)
	assert.Equal(t, "too risky", got.Note)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestResolveApprovalRequest_SecondDecisionNotPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("17", "th_1", "tr_1")))
	require.NoError(t, s.ResolveApprovalRequest(ctx, "17", ApprovalApproved, "allow", "", time.Now()))

	err := s.ResolveApprovalRequest(ctx, "17", ApprovalDenied, "deny", "", time.Now())
	require.ErrorIs(t, err, ErrNotPending)

	// First decision wins
	got, err := s.GetApprovalByID(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
}

func TestResolveApprovalRequest_MissingNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.ResolveApprovalRequest(context.Background(), "999", ApprovalApproved, "allow", "", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveApprovalRequest_RejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)

	err := s.ResolveApprovalRequest(context.Background(), "17", ApprovalPending, "", "", time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not terminal")
}

func TestListPendingApprovalsByThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("1", "th_1", "tr_1")))
	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("2", "th_1", "tr_1")))
	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("3", "th_2", "tr_9")))
	require.NoError(t, s.ResolveApprovalRequest(ctx, "2", ApprovalApproved, "allow", "", time.Now()))

	pending, err := s.ListPendingApprovalsByThread(ctx, "th_1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].ApprovalID)
}

func TestCancelPendingApprovalsForTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("1", "th_1", "tr_1")))
	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("2", "th_1", "tr_2")))

	cancelled, err := s.CancelPendingApprovalsForTurn(ctx, "th_1", "tr_1", time.Now())
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "1", cancelled[0].ApprovalID)
	assert.Equal(t, ApprovalCancelled, cancelled[0].Status)

	// The other turn's approval is untouched
	got, err := s.GetApprovalByID(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
}

func TestCancelAllPendingApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("1", "th_1", "tr_1")))
	require.NoError(t, s.UpsertApprovalRequest(ctx, pendingApproval("2", "th_2", "tr_9")))
	require.NoError(t, s.ResolveApprovalRequest(ctx, "2", ApprovalApproved, "allow", "", time.Now()))

	cancelled, err := s.CancelAllPendingApprovals(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "1", cancelled[0].ApprovalID)

	// Decided approvals keep their decision
	got, err := s.GetApprovalByID(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
}

// Property test: however many decisions land on one pending approval,
// exactly the first terminal write sticks and every later attempt
// reports not-pending.
func TestResolveApprovalRequest_FirstTerminalWriteWins(t *testing.T) {
	decisions := map[ApprovalStatus]string{
		ApprovalApproved:  "allow",
		ApprovalDenied:    "deny",
		ApprovalCancelled: "cancel",
	}
	terminals := []ApprovalStatus{ApprovalApproved, ApprovalDenied, ApprovalCancelled}

	rapid.Check(t, func(r *rapid.T) {
		s := newTestStore(t)
		ctx := context.Background()

		require.NoError(r, s.UpsertApprovalRequest(ctx, pendingApproval("42", "th_1", "tr_1")))

		attempts := rapid.SliceOfN(rapid.SampledFrom(terminals), 1, 8).Draw(r, "attempts")
		succeeded := 0
		for _, status := range attempts {
			err := s.ResolveApprovalRequest(ctx, "42", status, decisions[status], "", time.Now())
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(r, err, ErrNotPending)
		}
		require.Equal(r, 1, succeeded)

		got, err := s.GetApprovalByID(ctx, "42")
		require.NoError(r, err)
		require.Equal(r, attempts[0], got.Status)
		require.Equal(r, decisions[attempts[0]], got.Decision)
	})
}
