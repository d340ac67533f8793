package rollout

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/zjrosen/pont/internal/cachemanager"
	"github.com/zjrosen/pont/internal/log"
)

// Sources for a resolved working directory, most to least authoritative.
const (
	SourceSessionMeta = "session_meta"
	SourceTurnContext = "turn_context"
	SourceProjectKey  = "project_key"
	SourceFallback    = "fallback"
)

// ThreadContext is a thread's resolved working directory and where the
// value came from.
type ThreadContext struct {
	Cwd    string `json:"cwd"`
	Source string `json:"source"`
}

// ProjectKeyFunc returns the projected project key for a thread, or empty
// when the projection has none.
type ProjectKeyFunc func(ctx context.Context, threadID string) string

// Resolver determines the working directory for a thread. Results are
// cached per thread; concurrent lookups for the same thread share a single
// file scan.
type Resolver struct {
	index      *Index
	fallback   string
	projectKey ProjectKeyFunc
	cache      cachemanager.CacheManager[string, ThreadContext]

	mu       sync.Mutex
	inflight map[string]*inflightResolve
}

type inflightResolve struct {
	done chan struct{}
	tc   ThreadContext
	err  error
}

// NewResolver creates a resolver backed by the given index. The fallback
// directory is returned when no other source yields a cwd; callers
// typically pass the user's home directory.
func NewResolver(index *Index, fallback string, projectKey ProjectKeyFunc) *Resolver {
	return &Resolver{
		index:      index,
		fallback:   fallback,
		projectKey: projectKey,
		cache: cachemanager.NewInMemoryCacheManager[string, ThreadContext](
			"thread-context",
			cachemanager.DefaultExpiration,
			cachemanager.DefaultCleanupInterval,
		),
		inflight: make(map[string]*inflightResolve),
	}
}

// Resolve returns the working directory for a thread, trying in order: the
// session_meta first line of the rollout, the last turn_context record, the
// projected project key, then the configured fallback.
func (r *Resolver) Resolve(ctx context.Context, threadID string) (ThreadContext, error) {
	// Sliding TTL: threads with live terminals or turns stay resolved.
	if tc, ok := r.cache.GetWithRefresh(ctx, threadID, cachemanager.DefaultExpiration); ok {
		return tc, nil
	}

	r.mu.Lock()
	if fl, ok := r.inflight[threadID]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
			return fl.tc, fl.err
		case <-ctx.Done():
			return ThreadContext{}, ctx.Err()
		}
	}
	// Re-check under the lock: the winner caches its result before it
	// removes the in-flight marker, so a lookup that misses both has the
	// value waiting here.
	if tc, ok := r.cache.GetWithRefresh(ctx, threadID, cachemanager.DefaultExpiration); ok {
		r.mu.Unlock()
		return tc, nil
	}
	fl := &inflightResolve{done: make(chan struct{})}
	r.inflight[threadID] = fl
	r.mu.Unlock()

	fl.tc, fl.err = r.resolve(ctx, threadID)
	if fl.err == nil {
		r.cache.Set(ctx, threadID, fl.tc, cachemanager.DefaultExpiration)
	}
	close(fl.done)

	r.mu.Lock()
	delete(r.inflight, threadID)
	r.mu.Unlock()

	return fl.tc, fl.err
}

// Invalidate drops a thread's cached context so the next Resolve rescans
// its rollout file.
func (r *Resolver) Invalidate(ctx context.Context, threadID string) {
	if err := r.cache.Delete(ctx, threadID); err != nil {
		log.Debug(log.CatRollout, "context cache invalidate failed", "threadId", threadID, "error", err)
	}
}

func (r *Resolver) resolve(ctx context.Context, threadID string) (ThreadContext, error) {
	path, ok := r.index.Lookup(threadID)
	if !ok {
		// Sessions created since the last walk are not indexed yet.
		if err := r.index.Refresh(); err == nil {
			path, ok = r.index.Lookup(threadID)
		}
	}
	if ok {
		if tc, found := cwdFromRollout(path); found {
			return tc, nil
		}
	}

	if r.projectKey != nil {
		if key := r.projectKey(ctx, threadID); key != "" {
			return ThreadContext{Cwd: key, Source: SourceProjectKey}, nil
		}
	}

	return ThreadContext{Cwd: r.fallback, Source: SourceFallback}, nil
}

// rolloutProbe decodes only the fields cwd resolution needs.
type rolloutProbe struct {
	Type    string `json:"type"`
	Payload struct {
		Cwd string `json:"cwd"`
	} `json:"payload"`
}

// cwdFromRollout extracts the working directory recorded in a rollout
// file. A session_meta first line is authoritative; otherwise the last
// turn_context record wins.
func cwdFromRollout(path string) (ThreadContext, bool) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the session index walk, not request input
	if err != nil {
		log.Debug(log.CatRollout, "rollout open failed", "path", path, "error", err)
		return ThreadContext{}, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	first := true
	lastTurnCwd := ""
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec rolloutProbe
		if err := json.Unmarshal(line, &rec); err != nil {
			first = false
			continue
		}
		if first && rec.Type == "session_meta" && rec.Payload.Cwd != "" {
			return ThreadContext{Cwd: rec.Payload.Cwd, Source: SourceSessionMeta}, true
		}
		first = false
		if rec.Type == "turn_context" && rec.Payload.Cwd != "" {
			lastTurnCwd = rec.Payload.Cwd
		}
	}

	if lastTurnCwd != "" {
		return ThreadContext{Cwd: lastTurnCwd, Source: SourceTurnContext}, true
	}
	return ThreadContext{}, false
}
