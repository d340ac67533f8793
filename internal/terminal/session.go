package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/zjrosen/pont/internal/log"
)

const (
	defaultCols = 120
	defaultRows = 32
	minCols     = 2
	maxCols     = 400
	minRows     = 1
	maxRows     = 200
)

var errSessionClosed = errors.New("terminal session closed")

// Session is one PTY-backed shell bound to a thread. Clients come and go;
// the session survives until the child exits, the mux evicts it, or the
// TTL sweeper reaps it.
type Session struct {
	ID       string
	ThreadID string

	mu           sync.Mutex
	cmd          *exec.Cmd
	ptyFile      *os.File
	clients      map[*Client]struct{}
	cwd          string
	source       string
	isFallback   bool
	closed       bool
	createdAt    time.Time
	lastActivity time.Time

	onExit func(*Session)
}

// startSession spawns the shell on a PTY at the default size and begins
// pumping its output to attached clients.
func startSession(id, threadID, cwd, source string, isFallback bool, onExit func(*Session)) (*Session, error) {
	shell := selectShell()
	cmd := exec.Command(shell)
	if cwd != "" {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			cmd.Dir = cwd
		}
	}
	cmd.Env = append(os.Environ(), "TERM="+termType)

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", shell, err)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		ThreadID:     threadID,
		cmd:          cmd,
		ptyFile:      ptyFile,
		clients:      make(map[*Client]struct{}),
		cwd:          cwd,
		source:       source,
		isFallback:   isFallback,
		createdAt:    now,
		lastActivity: now,
		onExit:       onExit,
	}
	go s.readLoop()

	log.Info(log.CatTerm, "terminal session started",
		"sessionId", id, "threadId", threadID, "shell", shell, "cwd", cwd, "pid", cmd.Process.Pid)
	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			s.broadcast(outputMessage{Type: msgOutput, Data: string(buf[:n]), Stream: "stdout"})
			s.touch()
		}
		if err != nil {
			break
		}
	}
	_ = s.cmd.Wait()

	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !wasClosed {
		log.Info(log.CatTerm, "terminal child exited", "sessionId", s.ID, "threadId", s.ThreadID)
		s.broadcast(errorMessage{Type: msgError, Message: "terminal process exited"})
		s.broadcast(s.status())
	}
	if s.onExit != nil {
		s.onExit(s)
	}
}

// Write sends raw input to the shell.
func (s *Session) Write(data string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	f := s.ptyFile
	s.lastActivity = time.Now()
	s.mu.Unlock()

	_, err := f.WriteString(data)
	return err
}

// Resize adjusts the PTY window, clamped to sane bounds.
func (s *Session) Resize(cols, rows int) error {
	cols = clamp(cols, minCols, maxCols)
	rows = clamp(rows, minRows, maxRows)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	f := s.ptyFile
	s.lastActivity = time.Now()
	s.mu.Unlock()

	return pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// SetCwd drives the shell to a new directory and records it as the
// user's deliberate choice.
func (s *Session) SetCwd(cwd string) error {
	if err := s.Write(cdCommand(cwd)); err != nil {
		return err
	}
	s.mu.Lock()
	s.cwd = cwd
	s.source = "user"
	s.isFallback = false
	s.mu.Unlock()
	return nil
}

// Cwd returns the directory the session believes the shell is in.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) status() statusMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := statusMessage{
		Type:       msgStatus,
		Connected:  !s.closed,
		Cwd:        s.cwd,
		IsFallback: s.isFallback,
		Source:     s.source,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		msg.PID = s.cmd.Process.Pid
	}
	return msg
}

func (s *Session) attach(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) detach(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// broadcast fans a frame out to every attached client. Writes happen
// outside the session lock; each client serializes its own writes.
func (s *Session) broadcast(v any) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(v)
	}
}

// Close kills the child and releases the PTY. The read loop observes the
// closed flag and skips the exit broadcast.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	proc := s.cmd.Process
	f := s.ptyFile
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	_ = f.Close()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
