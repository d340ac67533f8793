package terminal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/pont/internal/log"
)

// Client is one WebSocket peer. It binds to at most one session at a
// time; opening another thread detaches it from the previous one.
type Client struct {
	mux  *Mux
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	session *Session
}

// HandleClient owns the connection: it reads frames until the peer goes
// away, then detaches and closes. The caller has already upgraded and
// checked the origin.
func (m *Mux) HandleClient(conn *websocket.Conn) {
	c := &Client{mux: m, conn: conn}
	defer c.cleanup()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			c.send(errorMessage{Type: msgError, Message: "binary frames are not supported", Code: CodeBinaryUnsupported})
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(errorMessage{Type: msgError, Message: "malformed terminal message"})
			continue
		}
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *ClientMessage) {
	switch msg.Type {
	case msgOpen:
		c.handleOpen(msg)

	case msgInput:
		s := c.currentSession()
		if s == nil {
			c.send(noSessionError())
			return
		}
		if err := s.Write(msg.Data); err != nil {
			c.send(errorMessage{Type: msgError, Message: "terminal write failed: " + err.Error()})
		}

	case msgResize:
		s := c.currentSession()
		if s == nil {
			c.send(noSessionError())
			return
		}
		if err := s.Resize(msg.Cols, msg.Rows); err != nil {
			c.send(errorMessage{Type: msgError, Message: "terminal resize failed: " + err.Error()})
		}

	case msgSetCwd:
		s := c.currentSession()
		if s == nil {
			c.send(noSessionError())
			return
		}
		if err := s.SetCwd(msg.Cwd); err != nil {
			c.send(errorMessage{Type: msgError, Message: "terminal cwd change failed: " + err.Error()})
			return
		}
		s.broadcast(s.status())

	case msgClose:
		c.detachSession()

	default:
		c.send(errorMessage{Type: msgError, Message: "unknown terminal message type: " + msg.Type})
	}
}

func (c *Client) handleOpen(msg *ClientMessage) {
	if msg.ThreadID == "" {
		c.send(errorMessage{Type: msgError, Message: "terminal/open requires threadId"})
		return
	}
	c.detachSession()

	s, err := c.mux.OpenSession(context.Background(), msg.ThreadID, msg.Cwd)
	if err != nil {
		log.Error(log.CatTerm, "terminal open failed", "threadId", msg.ThreadID, "error", err)
		c.send(errorMessage{Type: msgError, Message: "terminal start failed: " + err.Error()})
		return
	}
	// Re-opening a shared session with a different cwd steers the shell.
	if msg.Cwd != "" && s.Cwd() != msg.Cwd {
		if err := s.SetCwd(msg.Cwd); err != nil {
			c.send(errorMessage{Type: msgError, Message: "terminal cwd change failed: " + err.Error()})
		}
	}

	s.attach(c)
	c.setSession(s)
	c.send(readyMessage{Type: msgReady, SessionID: s.ID, ThreadID: s.ThreadID})
	c.send(s.status())
}

func (c *Client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		log.Debug(log.CatTerm, "terminal client write failed", "error", err)
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) detachSession() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.detach(c)
	}
}

func (c *Client) cleanup() {
	c.detachSession()
	_ = c.conn.Close()
}

func noSessionError() errorMessage {
	return errorMessage{Type: msgError, Message: "no terminal session; send terminal/open first"}
}
