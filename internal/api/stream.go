package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/pont/internal/log"
)

// heartbeatInterval paces SSE keep-alive frames.
const heartbeatInterval = 15 * time.Second

// StreamThreadEvents replays the thread's event log from the since
// cursor, then streams live events until the client goes away.
// GET /api/threads/{id}/events?since
func (h *Handler) StreamThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "validation_error", "since must be a non-negative integer", "")
			return
		}
		since = parsed
	}

	// Subscribe is scoped to the request context; the client closing the
	// connection tears the subscription down.
	events, err := h.bus.Subscribe(r.Context(), threadID, since)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "subscribe_failed", "Failed to subscribe to events", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			_, _ = fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%d}\n\n", time.Now().UnixMilli())
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error(log.CatHTTP, "event marshal failed", "seq", ev.Seq, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: gateway\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

// TerminalWS upgrades the connection and hands it to the terminal mux.
// The origin policy is checked after the upgrade so a disallowed origin
// receives a policy-violation close instead of an HTTP error.
// GET /api/terminal/ws
func (h *Handler) TerminalWS(w http.ResponseWriter, r *http.Request) {
	allowed := h.originAllowed(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if !allowed {
		log.Warn(log.CatHTTP, "terminal websocket origin rejected", "origin", r.Header.Get("Origin"))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.terminal.HandleClient(conn)
}
