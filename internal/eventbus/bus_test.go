package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pont/internal/events"
	"github.com/zjrosen/pont/internal/testutil"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(testutil.NewTestStore(t))
	t.Cleanup(bus.Close)
	return bus
}

func threadEvent(threadID, name string) events.GatewayEvent {
	return events.GatewayEvent{
		ThreadID: threadID,
		Kind:     events.Classify(name),
		Name:     name,
		Payload:  json.RawMessage(`{"threadId":"` + threadID + `"}`),
	}
}

func recvEvent(t *testing.T, ch <-chan events.GatewayEvent) events.GatewayEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.GatewayEvent{}
}

func TestAppend_AssignsSeqAndTimestamp(t *testing.T) {
	bus := newTestBus(t)

	ev, err := bus.Append(context.Background(), threadEvent("th_1", "turn/started"))
	require.NoError(t, err)
	assert.Positive(t, ev.Seq)
	assert.False(t, ev.ServerTS.IsZero())
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, name := range []string{"thread/started", "turn/started", "item/completed"} {
		_, err := bus.Append(ctx, threadEvent("th_1", name))
		require.NoError(t, err)
	}

	ch, err := bus.Subscribe(ctx, "th_1", 0)
	require.NoError(t, err)

	var seqs []int64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, recvEvent(t, ch).Seq)
	}

	_, err = bus.Append(ctx, threadEvent("th_1", "turn/completed"))
	require.NoError(t, err)
	liveEv := recvEvent(t, ch)
	assert.Equal(t, "turn/completed", liveEv.Name)
	seqs = append(seqs, liveEv.Seq)

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "replay-then-live must stay strictly seq-ordered")
	}
}

func TestSubscribe_CursorSkipsReplayed(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var second int64
	for i, name := range []string{"turn/started", "item/started", "item/completed"} {
		ev, err := bus.Append(ctx, threadEvent("th_1", name))
		require.NoError(t, err)
		if i == 1 {
			second = ev.Seq
		}
	}

	ch, err := bus.Subscribe(ctx, "th_1", second)
	require.NoError(t, err)

	ev := recvEvent(t, ch)
	assert.Equal(t, "item/completed", ev.Name)
	assert.Greater(t, ev.Seq, second)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %q", extra.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_ThreadIsolation(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "th_1", 0)
	require.NoError(t, err)

	_, err = bus.Append(ctx, threadEvent("th_2", "turn/started"))
	require.NoError(t, err)
	_, err = bus.Append(ctx, threadEvent("th_1", "thread/started"))
	require.NoError(t, err)

	ev := recvEvent(t, ch)
	assert.Equal(t, "th_1", ev.ThreadID)
	assert.Equal(t, "thread/started", ev.Name)

	select {
	case extra := <-ch:
		t.Fatalf("subscriber for th_1 saw %q from thread %q", extra.Name, extra.ThreadID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_LiveStreamNoGapsNoDuplicates(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "th_1", 0)
	require.NoError(t, err)

	const total = 50
	go func() {
		for i := 0; i < total; i++ {
			_, _ = bus.Append(context.Background(), threadEvent("th_1", "item/updated"))
		}
	}()

	seen := make(map[int64]bool, total)
	var last int64
	for i := 0; i < total; i++ {
		ev := recvEvent(t, ch)
		require.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
	assert.Len(t, seen, total)
}

func TestSubscribe_AfterClose(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "th_1", 0)
	require.NoError(t, err)

	bus.Close()

	_, err = bus.Subscribe(ctx, "th_1", 0)
	require.ErrorIs(t, err, ErrClosed)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "existing subscription must close on shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel never closed")
	}
}
