package terminal

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/pont/internal/log"
	"github.com/zjrosen/pont/internal/rollout"
)

const (
	defaultSessionTTL  = 30 * time.Minute
	defaultMaxSessions = 5
	sweepInterval      = 60 * time.Second
)

// CwdResolver answers which directory a thread's terminal should open in
// when the client does not say.
type CwdResolver interface {
	Resolve(ctx context.Context, threadID string) (rollout.ThreadContext, error)
}

// Mux owns all terminal sessions, one per thread, and the sweeper that
// reaps idle ones.
type Mux struct {
	resolver CwdResolver

	mu       sync.Mutex
	sessions map[string]*Session

	ttl         time.Duration
	maxSessions int
	sweepEvery  time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

func NewMux(resolver CwdResolver) *Mux {
	return &Mux{
		resolver:    resolver,
		sessions:    make(map[string]*Session),
		ttl:         defaultSessionTTL,
		maxSessions: defaultMaxSessions,
		sweepEvery:  sweepInterval,
		done:        make(chan struct{}),
	}
}

// Configure overrides the session cap and idle TTL. Call before Start;
// zero values keep the defaults.
func (m *Mux) Configure(maxSessions int, idleTTL time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxSessions > 0 {
		m.maxSessions = maxSessions
	}
	if idleTTL > 0 {
		m.ttl = idleTTL
	}
}

// Start launches the TTL sweeper.
func (m *Mux) Start() {
	go m.sweepLoop()
}

// Stop halts the sweeper and tears down every session.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// OpenSession returns the thread's session, starting one if needed. An
// explicit cwd wins; otherwise the resolver decides and the home
// directory is the fallback of last resort.
func (m *Mux) OpenSession(ctx context.Context, threadID, explicitCwd string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[threadID]; ok {
		m.mu.Unlock()
		s.touch()
		return s, nil
	}
	m.mu.Unlock()

	// Resolution may scan session files; do it outside the lock.
	cwd, source, isFallback := m.resolveCwd(ctx, threadID, explicitCwd)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[threadID]; ok {
		return s, nil
	}
	m.evictIfFullLocked()

	s, err := startSession(uuid.NewString(), threadID, cwd, source, isFallback, m.removeOnExit)
	if err != nil {
		return nil, err
	}
	m.sessions[threadID] = s
	return s, nil
}

// SessionCount reports live sessions.
func (m *Mux) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Mux) resolveCwd(ctx context.Context, threadID, explicit string) (cwd, source string, isFallback bool) {
	if explicit != "" {
		return explicit, "user", false
	}
	if m.resolver != nil {
		if tc, err := m.resolver.Resolve(ctx, threadID); err == nil && tc.Cwd != "" {
			return tc.Cwd, tc.Source, tc.Source == rollout.SourceFallback
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return home, rollout.SourceFallback, true
}

// evictIfFullLocked makes room for one more session, preferring sessions
// nobody is watching and then the least recently active.
func (m *Mux) evictIfFullLocked() {
	for len(m.sessions) >= m.maxSessions {
		victim := m.lruLocked()
		if victim == nil {
			return
		}
		delete(m.sessions, victim.ThreadID)
		log.Warn(log.CatTerm, "evicting terminal session",
			"sessionId", victim.ID, "threadId", victim.ThreadID, "clients", victim.clientCount())
		victim.broadcast(errorMessage{Type: msgError, Message: "terminal session evicted"})
		victim.Close()
	}
}

func (m *Mux) lruLocked() *Session {
	var (
		victim     *Session
		victimZero bool
	)
	for _, s := range m.sessions {
		zero := s.clientCount() == 0
		switch {
		case victim == nil:
			victim, victimZero = s, zero
		case zero && !victimZero:
			victim, victimZero = s, zero
		case zero == victimZero && s.lastActivityTime().Before(victim.lastActivityTime()):
			victim = s
		}
	}
	return victim
}

func (m *Mux) removeOnExit(s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[s.ThreadID]; ok && current == s {
		delete(m.sessions, s.ThreadID)
	}
	m.mu.Unlock()
}

func (m *Mux) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep reaps sessions with no clients that have been idle past the TTL.
func (m *Mux) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for threadID, s := range m.sessions {
		if s.clientCount() == 0 && now.Sub(s.lastActivityTime()) > m.ttl {
			delete(m.sessions, threadID)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Info(log.CatTerm, "terminal session expired", "sessionId", s.ID, "threadId", s.ThreadID)
		s.Close()
	}
}
