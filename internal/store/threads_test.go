package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertThreads_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	err := s.UpsertThreads(ctx, []Thread{{
		ThreadID:   "th_1",
		ProjectKey: "/home/user/proj",
		Title:      "Fix the parser",
		Preview:    "please fix",
		Status:     ThreadIdle,
		UpdatedAt:  now,
	}})
	require.NoError(t, err)

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/proj", got.ProjectKey)
	assert.Equal(t, "Fix the parser", got.Title)
	assert.Equal(t, ThreadIdle, got.Status)
	assert.Equal(t, now.UnixMilli(), got.UpdatedAt.UnixMilli())
}

func TestUpsertThreads_EmptyDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThreads(ctx, []Thread{{ThreadID: "th_1", UpdatedAt: time.Now()}}))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, UnknownProjectKey, got.ProjectKey)
	assert.Equal(t, ThreadUnknown, got.Status)
}

func TestUpsertThreads_UnknownNeverOverwritesKnownProjectKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThreads(ctx, []Thread{{
		ThreadID: "th_1", ProjectKey: "/home/user/proj", Status: ThreadIdle, UpdatedAt: time.Now(),
	}}))

	// Refresh from a thread/list row that carries no cwd
	require.NoError(t, s.UpsertThreads(ctx, []Thread{{
		ThreadID: "th_1", ProjectKey: UnknownProjectKey, Title: "refreshed", Status: ThreadActive, UpdatedAt: time.Now(),
	}}))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/proj", got.ProjectKey, "known project key must survive refresh")
	assert.Equal(t, "refreshed", got.Title, "other fields still refresh")
	assert.Equal(t, ThreadActive, got.Status)
}

func TestUpdateThreadProjectKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThreads(ctx, []Thread{{ThreadID: "th_1", UpdatedAt: time.Now()}}))
	require.NoError(t, s.UpdateThreadProjectKey(ctx, "th_1", "/srv/app"))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", got.ProjectKey)
}

func TestUpdateThreadProjectKey_UnknownIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThreads(ctx, []Thread{{
		ThreadID: "th_1", ProjectKey: "/srv/app", UpdatedAt: time.Now(),
	}}))

	require.NoError(t, s.UpdateThreadProjectKey(ctx, "th_1", UnknownProjectKey))
	require.NoError(t, s.UpdateThreadProjectKey(ctx, "th_1", ""))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/app", got.ProjectKey)
}

func TestGetThread_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetThread(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListThreads_OrderedByUpdatedAtDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.UpsertThreads(ctx, []Thread{
		{ThreadID: "old", UpdatedAt: base.Add(-2 * time.Hour)},
		{ThreadID: "newest", UpdatedAt: base},
		{ThreadID: "middle", UpdatedAt: base.Add(-1 * time.Hour)},
	}))

	threads, err := s.ListThreads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, threads, 3)
	assert.Equal(t, "newest", threads[0].ThreadID)
	assert.Equal(t, "middle", threads[1].ThreadID)
	assert.Equal(t, "old", threads[2].ThreadID)
}

func TestListThreads_Limit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.UpsertThreads(ctx, []Thread{
		{ThreadID: "a", UpdatedAt: base.Add(-2 * time.Hour)},
		{ThreadID: "b", UpdatedAt: base},
	}))

	threads, err := s.ListThreads(ctx, 1)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "b", threads[0].ThreadID)
}

func TestUpsertThreads_EmptySliceIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertThreads(context.Background(), nil))
}

func TestTouchThreadStatus_CreatesMinimalRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TouchThreadStatus(ctx, "th_1", ThreadActive, time.Now()))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, ThreadActive, got.Status)
	assert.Equal(t, UnknownProjectKey, got.ProjectKey)
	assert.Empty(t, got.Title)
}

func TestTouchThreadStatus_KeepsTitleAndProjectKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThreads(ctx, []Thread{{
		ThreadID:   "th_1",
		ProjectKey: "/home/user/project",
		Title:      "Fix the parser",
		Status:     ThreadIdle,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}}))

	require.NoError(t, s.TouchThreadStatus(ctx, "th_1", ThreadActive, time.Now()))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	assert.Equal(t, ThreadActive, got.Status)
	assert.Equal(t, "Fix the parser", got.Title)
	assert.Equal(t, "/home/user/project", got.ProjectKey)
}
