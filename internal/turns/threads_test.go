package turns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pont/internal/rollout"
	"github.com/zjrosen/pont/internal/store"
	"github.com/zjrosen/pont/internal/testutil"
)

func boolPtr(b bool) *bool { return &b }

func TestCreateThread_New(t *testing.T) {
	c, worker, st, _ := newTestController(t)
	worker.Stub("thread/start", `{"threadId":"thread-new"}`)
	ctx := context.Background()

	created, err := c.CreateThread(ctx, CreateThreadRequest{Model: "gpt-5", Cwd: "/proj/api"})
	require.NoError(t, err)
	assert.Equal(t, "thread-new", created.ThreadID)

	params := worker.LastParams(t, "thread/start")
	assert.Equal(t, "gpt-5", params["model"])
	assert.Equal(t, "/proj/api", params["cwd"])

	row, err := st.GetThread(ctx, "thread-new")
	require.NoError(t, err)
	assert.Equal(t, "/proj/api", row.ProjectKey)
	assert.Equal(t, store.ThreadIdle, row.Status)
}

func TestCreateThread_ForkInheritsParentProjectKey(t *testing.T) {
	c, worker, st, _ := newTestController(t)
	worker.Stub("thread/fork", `{"thread":{"id":"thread-child"}}`)
	ctx := context.Background()

	require.NoError(t, st.UpsertThreads(ctx, []store.Thread{{
		ThreadID:   "thread-parent",
		ProjectKey: "/proj/web",
		UpdatedAt:  time.Now(),
	}}))

	created, err := c.CreateThread(ctx, CreateThreadRequest{Mode: "fork", FromThreadID: "thread-parent"})
	require.NoError(t, err)
	assert.Equal(t, "thread-child", created.ThreadID)
	assert.Equal(t, "thread-parent", worker.LastParams(t, "thread/fork")["threadId"])

	row, err := st.GetThread(ctx, "thread-child")
	require.NoError(t, err)
	assert.Equal(t, "/proj/web", row.ProjectKey)
}

func TestCreateThread_ForkWithoutSourceRejected(t *testing.T) {
	c, worker, _, _ := newTestController(t)

	_, err := c.CreateThread(context.Background(), CreateThreadRequest{Mode: "fork"})
	require.ErrorIs(t, err, ErrMissingForkSource)
	assert.Empty(t, worker.Methods())
}

func TestCreateThread_UnknownModeRejected(t *testing.T) {
	c, _, _, _ := newTestController(t)

	_, err := c.CreateThread(context.Background(), CreateThreadRequest{Mode: "clone"})
	require.ErrorIs(t, err, ErrUnknownThreadMode)
}

func TestCreateThread_ResultWithoutIDRejected(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	worker.Stub("thread/start", `{"ok":true}`)

	_, err := c.CreateThread(context.Background(), CreateThreadRequest{})
	require.ErrorContains(t, err, "no thread id")
}

// ============================================================================
// Thread read ladder
// ============================================================================

func TestGetThread_WorkerSource(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	worker.Stub("thread/read", `{"thread":{"id":"thread-1","title":"Fix the API"}}`)

	detail, err := c.GetThread(context.Background(), "thread-1", true)
	require.NoError(t, err)
	assert.Equal(t, "worker", detail.Source)
	assert.JSONEq(t, `{"thread":{"id":"thread-1","title":"Fix the API"}}`, string(detail.Thread))

	params := worker.LastParams(t, "thread/read")
	assert.Equal(t, "thread-1", params["threadId"])
	assert.Equal(t, true, params["includeTurns"])
}

func TestGetThread_NotMaterializedRetriesWithoutTurns(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	worker.QueueErr("thread/read", errors.New("thread not materialized yet"))
	worker.Stub("thread/read", `{"thread":{"id":"thread-1"}}`)

	detail, err := c.GetThread(context.Background(), "thread-1", true)
	require.NoError(t, err)
	assert.Equal(t, "worker", detail.Source)

	require.Equal(t, 2, worker.CallCount("thread/read"))
	assert.Equal(t, false, worker.LastParams(t, "thread/read")["includeTurns"])
}

func TestGetThread_ResumesOnNotLoaded(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	worker.QueueErr("thread/read", errors.New("thread not loaded"))
	worker.Stub("thread/read", `{"thread":{"id":"thread-1"}}`)

	detail, err := c.GetThread(context.Background(), "thread-1", false)
	require.NoError(t, err)
	assert.Equal(t, "worker", detail.Source)
	assert.Equal(t, []string{"thread/read", "thread/resume", "thread/read"}, worker.Methods())
}

func TestGetThread_NoRolloutFallsBackToProjection(t *testing.T) {
	c, worker, st, _ := newTestController(t)
	worker.StubErr("thread/read", errors.New("no rollout found for thread"))
	ctx := context.Background()

	require.NoError(t, st.UpsertThreads(ctx, []store.Thread{{
		ThreadID:   "thread-1",
		ProjectKey: "/proj/api",
		Title:      "Projected title",
		Status:     store.ThreadIdle,
		UpdatedAt:  time.Now(),
	}}))
	require.NoError(t, st.StartTurn(ctx, "turn-1", "thread-1", time.Now()))

	detail, err := c.GetThread(ctx, "thread-1", true)
	require.NoError(t, err)
	assert.Equal(t, "projection", detail.Source)

	var summary ThreadSummary
	require.NoError(t, json.Unmarshal(detail.Thread, &summary))
	assert.Equal(t, "thread-1", summary.ThreadID)
	assert.Equal(t, "Projected title", summary.Title)
	assert.NotEmpty(t, detail.Turns)
}

func TestGetThread_ProjectionMissStaysNotFound(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	worker.StubErr("thread/read", errors.New("no rollout found for thread"))

	_, err := c.GetThread(context.Background(), "thread-9", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// ============================================================================
// Thread list
// ============================================================================

func stubThreadList(worker *testutil.Worker) {
	worker.Stub("thread/list", `{"threads":[
		{"id":"thread-1","title":"API fix","preview":"fix the handler","status":"idle","projectKey":"/proj/api","updatedAt":"2026-08-25T10:00:00Z"},
		{"id":"thread-2","title":"Web revamp","status":"active","projectKey":"/proj/web","updatedAt":"2026-08-25T09:00:00Z"},
		{"id":"thread-3","title":"Old spike","status":"idle","archived":true,"projectKey":"/proj/api","updatedAt":"2026-08-24T10:00:00Z"}
	]}`)
}

func TestListThreads_WorkerRowsSyncProjection(t *testing.T) {
	c, worker, st, _ := newTestController(t)
	stubThreadList(worker)
	ctx := context.Background()

	list, err := c.ListThreads(ctx, ListThreadsRequest{})
	require.NoError(t, err)
	assert.Equal(t, "worker", list.Source)
	require.Len(t, list.Threads, 3)
	assert.Empty(t, list.NextCursor)

	row, err := st.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "API fix", row.Title)
	assert.Equal(t, "/proj/api", row.ProjectKey)
	assert.Equal(t, store.ThreadIdle, row.Status)
}

func TestListThreads_Filters(t *testing.T) {
	ctx := context.Background()

	t.Run("query matches title", func(t *testing.T) {
		c, worker, _, _ := newTestController(t)
		stubThreadList(worker)
		list, err := c.ListThreads(ctx, ListThreadsRequest{Query: "api"})
		require.NoError(t, err)
		require.Len(t, list.Threads, 1)
		assert.Equal(t, "thread-1", list.Threads[0].ThreadID)
	})

	t.Run("query matches preview", func(t *testing.T) {
		c, worker, _, _ := newTestController(t)
		stubThreadList(worker)
		list, err := c.ListThreads(ctx, ListThreadsRequest{Query: "handler"})
		require.NoError(t, err)
		require.Len(t, list.Threads, 1)
		assert.Equal(t, "thread-1", list.Threads[0].ThreadID)
	})

	t.Run("status", func(t *testing.T) {
		c, worker, _, _ := newTestController(t)
		stubThreadList(worker)
		list, err := c.ListThreads(ctx, ListThreadsRequest{Status: "active"})
		require.NoError(t, err)
		require.Len(t, list.Threads, 1)
		assert.Equal(t, "thread-2", list.Threads[0].ThreadID)
	})

	t.Run("archived", func(t *testing.T) {
		c, worker, _, _ := newTestController(t)
		stubThreadList(worker)
		list, err := c.ListThreads(ctx, ListThreadsRequest{Archived: boolPtr(true)})
		require.NoError(t, err)
		require.Len(t, list.Threads, 1)
		assert.Equal(t, "thread-3", list.Threads[0].ThreadID)
	})
}

func TestListThreads_Pagination(t *testing.T) {
	c, worker, _, _ := newTestController(t)
	stubThreadList(worker)
	ctx := context.Background()

	page1, err := c.ListThreads(ctx, ListThreadsRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Threads, 2)
	assert.Equal(t, "2", page1.NextCursor)

	page2, err := c.ListThreads(ctx, ListThreadsRequest{Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Threads, 1)
	assert.Empty(t, page2.NextCursor)
	assert.Equal(t, "thread-3", page2.Threads[0].ThreadID)
}

func TestListThreads_FallsBackToProjection(t *testing.T) {
	c, worker, st, _ := newTestController(t)
	worker.StubErr("thread/list", errors.New("app-server not ready"))
	ctx := context.Background()

	require.NoError(t, st.UpsertThreads(ctx, []store.Thread{{
		ThreadID:   "thread-1",
		ProjectKey: "/proj/api",
		Title:      "From projection",
		Status:     store.ThreadIdle,
		UpdatedAt:  time.Now(),
	}}))

	list, err := c.ListThreads(ctx, ListThreadsRequest{})
	require.NoError(t, err)
	assert.Equal(t, "projection", list.Source)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, "From projection", list.Threads[0].Title)
}

func TestListThreads_HydratesUnknownProjectKeys(t *testing.T) {
	c, worker, st, resolver := newTestController(t)
	worker.Stub("thread/list", `{"threads":[{"id":"thread-1","title":"No key yet"}]}`)
	resolver.tc = rollout.ThreadContext{Cwd: "/resolved/proj", Source: rollout.SourceTurnContext}
	ctx := context.Background()

	list, err := c.ListThreads(ctx, ListThreadsRequest{})
	require.NoError(t, err)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, "/resolved/proj", list.Threads[0].ProjectKey)

	row, err := st.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "/resolved/proj", row.ProjectKey)
}

func TestListThreads_FallbackResolutionDoesNotHydrate(t *testing.T) {
	c, worker, st, resolver := newTestController(t)
	worker.Stub("thread/list", `{"threads":[{"id":"thread-1","title":"No key yet"}]}`)
	resolver.tc = rollout.ThreadContext{Cwd: "/home/user", Source: rollout.SourceFallback}
	ctx := context.Background()

	list, err := c.ListThreads(ctx, ListThreadsRequest{})
	require.NoError(t, err)
	require.Len(t, list.Threads, 1)
	assert.Empty(t, list.Threads[0].ProjectKey, "home fallback is not a project key")

	row, err := st.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, store.UnknownProjectKey, row.ProjectKey)
}
