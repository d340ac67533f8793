package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/pont/internal/events"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrame accumulates one SSE frame, skipping heartbeat keep-alives.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event == "heartbeat" {
				frame = sseFrame{}
				continue
			}
			if frame.event != "" || frame.data != "" {
				return frame
			}
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (f sseFrame) gatewayEvent(t *testing.T) events.GatewayEvent {
	t.Helper()
	var ev events.GatewayEvent
	require.NoError(t, json.Unmarshal([]byte(f.data), &ev))
	return ev
}

func TestStreamThreadEvents_ReplayThenLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.bus.Append(ctx, events.GatewayEvent{ThreadID: "t1", Kind: events.KindTurn, Name: "turn/started", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = h.bus.Append(ctx, events.GatewayEvent{ThreadID: "t1", Kind: events.KindItem, Name: "item/agentMessage/delta", Payload: json.RawMessage(`{"delta":"hi"}`)})
	require.NoError(t, err)
	// An event on another thread must never reach this stream.
	_, err = h.bus.Append(ctx, events.GatewayEvent{ThreadID: "t2", Kind: events.KindTurn, Name: "turn/started", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	third, err := h.bus.Append(ctx, events.GatewayEvent{ThreadID: "t1", Kind: events.KindTurn, Name: "turn/completed", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	srv := httptest.NewServer(h.handler.Routes())
	t.Cleanup(srv.Close)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := srv.URL + "/api/threads/t1/events?since=" + strconv.FormatInt(first.Seq, 10)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	frame := readFrame(t, reader)
	assert.Equal(t, "gateway", frame.event)
	ev := frame.gatewayEvent(t)
	assert.Equal(t, "item/agentMessage/delta", ev.Name)
	assert.Equal(t, "t1", ev.ThreadID)
	assert.Equal(t, strconv.FormatInt(ev.Seq, 10), frame.id)

	frame = readFrame(t, reader)
	ev = frame.gatewayEvent(t)
	assert.Equal(t, "turn/completed", ev.Name)
	assert.Equal(t, third.Seq, ev.Seq)

	live, err := h.bus.Append(ctx, events.GatewayEvent{ThreadID: "t1", Kind: events.KindItem, Name: "item/completed", Payload: json.RawMessage(`{"id":"i1"}`)})
	require.NoError(t, err)

	frame = readFrame(t, reader)
	ev = frame.gatewayEvent(t)
	assert.Equal(t, "item/completed", ev.Name)
	assert.Equal(t, live.Seq, ev.Seq)
	assert.Equal(t, "t1", ev.ThreadID)
}

func TestStreamThreadEvents_RejectsBadCursor(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/api/threads/t1/events?since=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeJSON[ErrorResponse](t, w).Code)

	w = h.do(t, http.MethodGet, "/api/threads/t1/events?since=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeTerminal struct {
	handled chan struct{}
}

func (f *fakeTerminal) HandleClient(conn *websocket.Conn) {
	f.handled <- struct{}{}
	_ = conn.Close()
}

func newWSServer(t *testing.T) (*fakeTerminal, string) {
	t.Helper()
	h := newHarness(t)
	term := &fakeTerminal{handled: make(chan struct{}, 1)}

	cfg := h.cfg
	cfg.Terminal = term
	srv := httptest.NewServer(NewHandler(cfg).Routes())
	t.Cleanup(srv.Close)

	return term, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/terminal/ws"
}

func TestTerminalWS_AllowedOrigin(t *testing.T) {
	term, url := newWSServer(t)

	header := http.Header{"Origin": []string{allowedOrigin}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()

	select {
	case <-term.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal mux never received the connection")
	}
}

func TestTerminalWS_NoOriginTreatedAsNonBrowser(t *testing.T) {
	term, url := newWSServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()

	select {
	case <-term.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal mux never received the connection")
	}
}

func TestTerminalWS_DisallowedOriginClosed(t *testing.T) {
	term, url := newWSServer(t)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "the upgrade itself succeeds; rejection arrives as a close frame")
	t.Cleanup(func() { _ = conn.Close() })
	_ = resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "origin not allowed", closeErr.Text)

	select {
	case <-term.handled:
		t.Fatal("terminal mux should never see a disallowed origin")
	default:
	}
}
