package tail

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pont/internal/events"
)

func recvEvent(t *testing.T, ch <-chan events.GatewayEvent) events.GatewayEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.GatewayEvent{}
	}
}

func recvClosed(t *testing.T, ch <-chan events.GatewayEvent) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.False(t, ok, "expected closed channel, got event %s", ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream error")
		return nil
	}
}

func TestClientEvents_DecodesGatewayFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/threads/t1/events", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("since"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": connected\n\n")
		io.WriteString(w, "event: heartbeat\ndata: {}\n\n")
		io.WriteString(w, "id: 6\nevent: gateway\ndata: {\"seq\":6,\"threadId\":\"t1\",\"kind\":\"turn\",\"name\":\"turn/started\"}\n\n")
		io.WriteString(w, "id: 7\nevent: gateway\ndata: {\"seq\":7,\"threadId\":\"t1\",\"kind\":\"item\",\"name\":\"item/completed\"}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, ThreadID: "t1"}
	evs, errs, err := client.Events(context.Background(), 5)
	require.NoError(t, err)

	first := recvEvent(t, evs)
	assert.Equal(t, int64(6), first.Seq)
	assert.Equal(t, "turn/started", first.Name)
	assert.Equal(t, events.KindTurn, first.Kind)

	second := recvEvent(t, evs)
	assert.Equal(t, int64(7), second.Seq)
	assert.Equal(t, "item/completed", second.Name)

	// The handler returned, so the server ends the stream.
	recvClosed(t, evs)
	err = recvErr(t, errs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed by gateway")
}

func TestClientEvents_SkipsUndecodableFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: gateway\ndata: {not json\n\n")
		io.WriteString(w, "event: gateway\ndata: {\"seq\":1,\"threadId\":\"t1\",\"kind\":\"turn\",\"name\":\"turn/completed\"}\n\n")
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, ThreadID: "t1"}
	evs, _, err := client.Events(context.Background(), 0)
	require.NoError(t, err)

	ev := recvEvent(t, evs)
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "turn/completed", ev.Name)
}

func TestClientEvents_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, ThreadID: "missing"}
	_, _, err := client.Events(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "not_found")
}

func TestClientEvents_CancelIsClean(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{BaseURL: srv.URL, ThreadID: "t1"}
	evs, errs, err := client.Events(ctx, 0)
	require.NoError(t, err)

	cancel()

	recvClosed(t, evs)
	assert.NoError(t, recvErr(t, errs))
}

func TestClientEvents_TrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL + "/", ThreadID: "t1"}
	_, _, err := client.Events(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "/api/threads/t1/events", gotPath)
}
