// Package rollout reads codex session rollout files: indexing them by
// thread id, resolving a thread's working directory, and parsing timelines
// when the projection has not materialized yet.
package rollout

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/zjrosen/pont/internal/log"
)

// rolloutFileRe matches session rollout filenames, capturing the thread
// uuid from the tail: rollout-<timestamp>-<uuid>.jsonl.
var rolloutFileRe = regexp.MustCompile(`-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\.jsonl$`)

// Index maps thread ids to rollout file paths by walking the sessions
// directory. Refresh rebuilds the whole map; the caller decides when
// (startup, watcher signal, lookup miss).
type Index struct {
	root string

	mu    sync.RWMutex
	paths map[string]string
}

// NewIndex creates an index over the given sessions root. The map is empty
// until the first Refresh.
func NewIndex(root string) *Index {
	return &Index{
		root:  root,
		paths: make(map[string]string),
	}
}

// Refresh rewalks the sessions tree and replaces the index. A missing root
// yields an empty index, not an error.
func (idx *Index) Refresh() error {
	paths := make(map[string]string)
	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		m := rolloutFileRe.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		paths[strings.ToLower(m[1])] = path
		return nil
	})
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.paths = paths
	idx.mu.Unlock()

	log.Debug(log.CatRollout, "session index refreshed", "sessions", len(paths))
	return nil
}

// Lookup returns the rollout path for a thread id.
func (idx *Index) Lookup(threadID string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	path, ok := idx.paths[strings.ToLower(threadID)]
	return path, ok
}

// Len returns the number of indexed sessions.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.paths)
}
