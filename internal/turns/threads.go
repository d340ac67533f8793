package turns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/pont/internal/bridge"
	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/rollout"
	"github.com/zjrosen/pont/internal/store"
)

// ErrMissingForkSource rejects fork requests without a parent thread.
var ErrMissingForkSource = errors.New("fork requires fromThreadId")

const defaultListLimit = 50

// CreateThreadRequest starts a fresh thread or forks an existing one.
type CreateThreadRequest struct {
	Mode         string `json:"mode,omitempty"`
	FromThreadID string `json:"fromThreadId,omitempty"`
	Model        string `json:"model,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
}

// CreatedThread is the result of a create or fork.
type CreatedThread struct {
	ThreadID string          `json:"threadId"`
	Thread   json.RawMessage `json:"thread,omitempty"`
}

// ThreadDetail carries a thread read: the worker's object when reachable,
// the projection otherwise.
type ThreadDetail struct {
	Thread json.RawMessage `json:"thread"`
	Turns  json.RawMessage `json:"turns,omitempty"`
	Source string          `json:"source"`
}

// ThreadSummary is one row of the thread list.
type ThreadSummary struct {
	ThreadID   string `json:"threadId"`
	Title      string `json:"title,omitempty"`
	Preview    string `json:"preview,omitempty"`
	Status     string `json:"status,omitempty"`
	Archived   bool   `json:"archived"`
	ProjectKey string `json:"projectKey,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

// ListThreadsRequest carries the list filters; all are optional.
type ListThreadsRequest struct {
	Query    string
	Status   string
	Archived *bool
	Cursor   string
	Limit    int
}

// ThreadList is a filtered page of threads.
type ThreadList struct {
	Threads    []ThreadSummary `json:"threads"`
	NextCursor string          `json:"nextCursor,omitempty"`
	Source     string          `json:"source"`
}

// workerThread decodes the fields the gateway reads from worker thread
// objects; newer workers use id, older ones threadId.
type workerThread struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	Title      string `json:"title"`
	Preview    string `json:"preview"`
	Status     string `json:"status"`
	Archived   bool   `json:"archived"`
	ProjectKey string `json:"projectKey"`
	UpdatedAt  string `json:"updatedAt"`
}

func (w workerThread) id() string {
	if w.ID != "" {
		return w.ID
	}
	return w.ThreadID
}

// CreateThread starts a new worker thread, or forks an existing one when
// mode is "fork". The projection row is seeded immediately so the thread
// lists even if the worker goes away.
func (c *Controller) CreateThread(ctx context.Context, req CreateThreadRequest) (CreatedThread, error) {
	mode := req.Mode
	if mode == "" {
		mode = "new"
	}

	var (
		res json.RawMessage
		err error
	)
	projectKey := req.Cwd

	switch mode {
	case "new":
		params := map[string]any{}
		if req.Model != "" {
			params["model"] = req.Model
		}
		if req.Cwd != "" {
			params["cwd"] = req.Cwd
		}
		res, err = c.worker.Request(ctx, "thread/start", params)
	case "fork":
		if req.FromThreadID == "" {
			return CreatedThread{}, ErrMissingForkSource
		}
		res, err = c.worker.Request(ctx, "thread/fork", map[string]string{"threadId": req.FromThreadID})
		if projectKey == "" {
			// Forks inherit the parent's project.
			if parent, getErr := c.store.GetThread(ctx, req.FromThreadID); getErr == nil {
				projectKey = parent.ProjectKey
			}
		}
	default:
		return CreatedThread{}, fmt.Errorf("%w %q", ErrUnknownThreadMode, mode)
	}
	if err != nil {
		return CreatedThread{}, err
	}

	threadID := extractThreadID(res)
	if threadID == "" {
		return CreatedThread{}, fmt.Errorf("worker %s result carries no thread id", mode)
	}

	if upsertErr := c.store.UpsertThreads(ctx, []store.Thread{{
		ThreadID:   threadID,
		ProjectKey: projectKey,
		Status:     store.ThreadIdle,
		UpdatedAt:  time.Now(),
	}}); upsertErr != nil {
		log.Warn(log.CatTurn, "thread projection seed failed", "threadId", threadID, "error", upsertErr)
	}

	log.Info(log.CatTurn, "thread created", "threadId", threadID, "mode", mode)
	return CreatedThread{ThreadID: threadID, Thread: res}, nil
}

// GetThread reads a thread from the worker, walking the recovery ladder:
// not-materialized retries without turns, not-loaded resumes once, and a
// missing rollout (or an unreachable worker) degrades to the projection.
func (c *Controller) GetThread(ctx context.Context, threadID string, includeTurns bool) (ThreadDetail, error) {
	params := map[string]any{"threadId": threadID, "includeTurns": includeTurns}
	res, err := c.worker.Request(ctx, "thread/read", params)

	if notMaterialized(err) && includeTurns {
		params["includeTurns"] = false
		res, err = c.worker.Request(ctx, "thread/read", params)
	}
	if needsResume(err) {
		if resumeErr := c.resumeThread(ctx, threadID); resumeErr == nil {
			res, err = c.worker.Request(ctx, "thread/read", params)
		}
	}
	if err == nil {
		return ThreadDetail{Thread: res, Source: "worker"}, nil
	}
	if noRollout(err) || errors.Is(err, bridge.ErrNotReady) || errors.Is(err, bridge.ErrWorkerExited) {
		return c.projectedDetail(ctx, threadID)
	}
	return ThreadDetail{}, err
}

// ListThreads asks the worker for the thread list, falling back to the
// projection when it cannot answer. Filters apply in memory either way.
func (c *Controller) ListThreads(ctx context.Context, req ListThreadsRequest) (ThreadList, error) {
	summaries, source, err := c.workerThreadList(ctx)
	if err != nil {
		log.Debug(log.CatTurn, "thread/list failed, serving projection", "error", err)
		summaries, err = c.projectedThreadList(ctx)
		if err != nil {
			return ThreadList{}, err
		}
		source = "projection"
	}

	c.hydrateProjectKeys(ctx, summaries)

	filtered := filterThreads(summaries, req)
	page, next := paginateThreads(filtered, req.Cursor, req.Limit)

	return ThreadList{Threads: page, NextCursor: next, Source: source}, nil
}

func (c *Controller) workerThreadList(ctx context.Context) ([]ThreadSummary, string, error) {
	res, err := c.worker.Request(ctx, "thread/list", map[string]any{})
	if err != nil {
		return nil, "", err
	}

	var probe struct {
		Threads []workerThread `json:"threads"`
		Items   []workerThread `json:"items"`
	}
	if err := json.Unmarshal(res, &probe); err != nil {
		return nil, "", fmt.Errorf("decoding thread/list result: %w", err)
	}
	raw := probe.Threads
	if len(raw) == 0 {
		raw = probe.Items
	}

	summaries := make([]ThreadSummary, 0, len(raw))
	rows := make([]store.Thread, 0, len(raw))
	now := time.Now()
	for _, wt := range raw {
		id := wt.id()
		if id == "" {
			continue
		}
		summaries = append(summaries, ThreadSummary{
			ThreadID:   id,
			Title:      wt.Title,
			Preview:    wt.Preview,
			Status:     wt.Status,
			Archived:   wt.Archived,
			ProjectKey: wt.ProjectKey,
			UpdatedAt:  wt.UpdatedAt,
		})

		status := store.ThreadStatus(wt.Status)
		if !status.IsValid() {
			status = store.ThreadUnknown
		}
		updatedAt := now
		if ts, parseErr := time.Parse(time.RFC3339, wt.UpdatedAt); parseErr == nil {
			updatedAt = ts
		}
		rows = append(rows, store.Thread{
			ThreadID:   id,
			ProjectKey: wt.ProjectKey,
			Title:      wt.Title,
			Preview:    wt.Preview,
			Status:     status,
			Archived:   wt.Archived,
			UpdatedAt:  updatedAt,
		})
	}

	if err := c.store.UpsertThreads(ctx, rows); err != nil {
		log.Warn(log.CatTurn, "thread projection sync failed", "error", err)
	}
	return summaries, "worker", nil
}

func (c *Controller) projectedThreadList(ctx context.Context) ([]ThreadSummary, error) {
	rows, err := c.store.ListThreads(ctx, 0)
	if err != nil {
		return nil, err
	}
	summaries := make([]ThreadSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, projectedSummary(row))
	}
	return summaries, nil
}

func projectedSummary(row store.Thread) ThreadSummary {
	s := ThreadSummary{
		ThreadID:   row.ThreadID,
		Title:      row.Title,
		Preview:    row.Preview,
		Status:     string(row.Status),
		Archived:   row.Archived,
		ProjectKey: row.ProjectKey,
	}
	if !row.UpdatedAt.IsZero() {
		s.UpdatedAt = row.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// hydrateProjectKeys fills unknown project keys from the resolver. Only
// real resolutions count; the home-directory fallback is not a project.
func (c *Controller) hydrateProjectKeys(ctx context.Context, summaries []ThreadSummary) {
	for i := range summaries {
		if summaries[i].ProjectKey != "" && summaries[i].ProjectKey != store.UnknownProjectKey {
			continue
		}
		tc, err := c.resolver.Resolve(ctx, summaries[i].ThreadID)
		if err != nil || tc.Source == rollout.SourceFallback {
			continue
		}
		summaries[i].ProjectKey = tc.Cwd
		if err := c.store.UpdateThreadProjectKey(ctx, summaries[i].ThreadID, tc.Cwd); err != nil {
			log.Warn(log.CatTurn, "project key update failed", "threadId", summaries[i].ThreadID, "error", err)
		}
	}
}

func filterThreads(summaries []ThreadSummary, req ListThreadsRequest) []ThreadSummary {
	query := strings.ToLower(strings.TrimSpace(req.Query))
	out := make([]ThreadSummary, 0, len(summaries))
	for _, s := range summaries {
		if req.Status != "" && s.Status != req.Status {
			continue
		}
		if req.Archived != nil && s.Archived != *req.Archived {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(s.Title), query) &&
			!strings.Contains(strings.ToLower(s.Preview), query) &&
			!strings.Contains(strings.ToLower(s.ThreadID), query) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func paginateThreads(summaries []ThreadSummary, cursor string, limit int) ([]ThreadSummary, string) {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			start = n
		}
	}
	if start >= len(summaries) {
		return []ThreadSummary{}, ""
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	end := start + limit
	if end >= len(summaries) {
		return summaries[start:], ""
	}
	return summaries[start:end], strconv.Itoa(end)
}

// projectedDetail synthesizes a thread read from the projection.
func (c *Controller) projectedDetail(ctx context.Context, threadID string) (ThreadDetail, error) {
	row, err := c.store.GetThread(ctx, threadID)
	if err != nil {
		return ThreadDetail{}, err
	}

	thread, err := json.Marshal(projectedSummary(row))
	if err != nil {
		return ThreadDetail{}, fmt.Errorf("encoding projected thread: %w", err)
	}

	detail := ThreadDetail{Thread: thread, Source: "projection"}

	turns, err := c.store.ListTurnsByThread(ctx, threadID)
	if err != nil {
		log.Warn(log.CatTurn, "projected turns read failed", "threadId", threadID, "error", err)
		return detail, nil
	}
	if len(turns) > 0 {
		if encoded, encErr := json.Marshal(turns); encErr == nil {
			detail.Turns = encoded
		}
	}
	return detail, nil
}

// extractThreadID digs the thread id out of a worker result, whatever the
// nesting.
func extractThreadID(res json.RawMessage) string {
	var probe struct {
		ThreadID string `json:"threadId"`
		ID       string `json:"id"`
		Thread   struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(res, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{probe.ThreadID, probe.Thread.ID, probe.Thread.ThreadID, probe.ID} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
