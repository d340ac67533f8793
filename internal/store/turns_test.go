package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnStatus_IsTerminal(t *testing.T) {
	assert.False(t, TurnActive.IsTerminal())
	assert.False(t, TurnStatus("unknown").IsTerminal())
	assert.True(t, TurnCompleted.IsTerminal())
	assert.True(t, TurnInterrupted.IsTerminal())
	assert.True(t, TurnAborted.IsTerminal())
	assert.True(t, TurnFailed.IsTerminal())
}

func TestStartTurn_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.StartTurn(ctx, "turn-1", "th_1", now))

	got, err := s.GetTurn(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "th_1", got.ThreadID)
	assert.Equal(t, TurnActive, got.Status)
	assert.Equal(t, now.UnixMilli(), got.StartedAt.UnixMilli())
	assert.True(t, got.CompletedAt.IsZero())
	assert.Empty(t, got.ErrorJSON)
}

func TestStartTurn_RefreshKeepsTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	require.NoError(t, s.StartTurn(ctx, "turn-1", "th_1", start))
	require.NoError(t, s.FinishTurn(ctx, "turn-1", "th_1", TurnCompleted, "", time.Now()))

	// A replayed turn/started must not resurrect a finished turn.
	later := time.Now()
	require.NoError(t, s.StartTurn(ctx, "turn-1", "th_1", later))

	got, err := s.GetTurn(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, got.Status)
	assert.Equal(t, later.UnixMilli(), got.StartedAt.UnixMilli())
}

func TestFinishTurn_UpdatesStatusAndKeepsStartedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	require.NoError(t, s.StartTurn(ctx, "turn-1", "th_1", start))

	done := time.Now()
	require.NoError(t, s.FinishTurn(ctx, "turn-1", "th_1", TurnFailed, `{"message":"boom"}`, done))

	got, err := s.GetTurn(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, TurnFailed, got.Status)
	assert.Equal(t, start.UnixMilli(), got.StartedAt.UnixMilli())
	assert.Equal(t, done.UnixMilli(), got.CompletedAt.UnixMilli())
	assert.JSONEq(t, `{"message":"boom"}`, got.ErrorJSON)
}

func TestFinishTurn_RejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)

	err := s.FinishTurn(context.Background(), "turn-1", "th_1", TurnActive, "", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func TestFinishTurn_UnknownTurnInsertsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Completion arriving before the gateway saw turn/started.
	done := time.Now()
	require.NoError(t, s.FinishTurn(ctx, "turn-1", "th_1", TurnInterrupted, "", done))

	got, err := s.GetTurn(ctx, "turn-1")
	require.NoError(t, err)
	assert.Equal(t, "th_1", got.ThreadID)
	assert.Equal(t, TurnInterrupted, got.Status)
	assert.True(t, got.StartedAt.IsZero())
	assert.Equal(t, done.UnixMilli(), got.CompletedAt.UnixMilli())
}

func TestGetTurn_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTurn(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTurnsByThread_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.StartTurn(ctx, "turn-b", "th_1", base))
	require.NoError(t, s.StartTurn(ctx, "turn-a", "th_1", base.Add(-time.Hour)))
	require.NoError(t, s.StartTurn(ctx, "turn-other", "th_2", base))

	turns, err := s.ListTurnsByThread(ctx, "th_1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "turn-a", turns[0].TurnID)
	assert.Equal(t, "turn-b", turns[1].TurnID)
}

func TestListTurnsByThread_EmptyThread(t *testing.T) {
	s := newTestStore(t)

	turns, err := s.ListTurnsByThread(context.Background(), "th_none")
	require.NoError(t, err)
	assert.Empty(t, turns)
}
