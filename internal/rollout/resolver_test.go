package rollout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func metaLine(cwd string) string {
	return fmt.Sprintf(`{"type":"session_meta","payload":{"id":"%s","cwd":"%s"}}`, threadA, cwd)
}

func turnContextLine(cwd string) string {
	return fmt.Sprintf(`{"type":"turn_context","payload":{"cwd":"%s","approval_policy":"on-request"}}`, cwd)
}

func newTestResolver(t *testing.T, root string, projectKey ProjectKeyFunc) *Resolver {
	t.Helper()
	idx := NewIndex(root)
	require.NoError(t, idx.Refresh())
	return NewResolver(idx, "/home/user", projectKey)
}

func TestResolve_SessionMetaWins(t *testing.T) {
	root := t.TempDir()
	writeRollout(t, root, threadA,
		metaLine("/home/user/alpha"),
		turnContextLine("/home/user/beta"),
	)

	r := newTestResolver(t, root, nil)

	tc, err := r.Resolve(context.Background(), threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/alpha", tc.Cwd)
	require.Equal(t, SourceSessionMeta, tc.Source)
}

func TestResolve_LastTurnContextWins(t *testing.T) {
	root := t.TempDir()
	writeRollout(t, root, threadA,
		`{"type":"event_msg","payload":{"type":"task_started"}}`,
		turnContextLine("/home/user/beta"),
		turnContextLine("/home/user/gamma"),
	)

	r := newTestResolver(t, root, nil)

	tc, err := r.Resolve(context.Background(), threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/gamma", tc.Cwd)
	require.Equal(t, SourceTurnContext, tc.Source)
}

func TestResolve_ProjectKeyFallback(t *testing.T) {
	root := t.TempDir()

	r := newTestResolver(t, root, func(ctx context.Context, threadID string) string {
		require.Equal(t, threadA, threadID)
		return "/home/user/projected"
	})

	tc, err := r.Resolve(context.Background(), threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/projected", tc.Cwd)
	require.Equal(t, SourceProjectKey, tc.Source)
}

func TestResolve_FallsBackToHome(t *testing.T) {
	root := t.TempDir()

	r := newTestResolver(t, root, func(ctx context.Context, threadID string) string {
		return ""
	})

	tc, err := r.Resolve(context.Background(), threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user", tc.Cwd)
	require.Equal(t, SourceFallback, tc.Source)
}

func TestResolve_CachesUntilInvalidated(t *testing.T) {
	root := t.TempDir()
	writeRollout(t, root, threadA, metaLine("/home/user/alpha"))

	r := newTestResolver(t, root, nil)
	ctx := context.Background()

	tc, err := r.Resolve(ctx, threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/alpha", tc.Cwd)

	// The rollout moves but the cached context keeps serving.
	writeRollout(t, root, threadA, metaLine("/home/user/moved"))

	tc, err = r.Resolve(ctx, threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/alpha", tc.Cwd)

	r.Invalidate(ctx, threadA)

	tc, err = r.Resolve(ctx, threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/moved", tc.Cwd)
}

func TestResolve_RefreshOnMissFindsNewSession(t *testing.T) {
	root := t.TempDir()
	r := newTestResolver(t, root, nil)

	// Session appears after the initial walk.
	writeRollout(t, root, threadA, metaLine("/home/user/fresh"))

	tc, err := r.Resolve(context.Background(), threadA)
	require.NoError(t, err)
	require.Equal(t, "/home/user/fresh", tc.Cwd)
	require.Equal(t, SourceSessionMeta, tc.Source)
}

func TestResolve_CoalescesConcurrentLookups(t *testing.T) {
	root := t.TempDir()

	var calls atomic.Int32
	r := newTestResolver(t, root, func(ctx context.Context, threadID string) string {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "/home/user/projected"
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tc, err := r.Resolve(context.Background(), threadA)
			require.NoError(t, err)
			require.Equal(t, "/home/user/projected", tc.Cwd)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
}

func TestResolve_WaiterHonorsContextCancel(t *testing.T) {
	root := t.TempDir()

	release := make(chan struct{})
	r := newTestResolver(t, root, func(ctx context.Context, threadID string) string {
		<-release
		return "/home/user/projected"
	})

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = r.Resolve(context.Background(), threadA)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, threadA)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
}
